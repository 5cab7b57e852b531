package mw

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"pointchat/internal/metrics"
)

// Metrics 统计基础请求指标，供 Prometheus 拉取。
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		metrics.HttpRequestsTotal.With(labels).Inc()
		metrics.HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
