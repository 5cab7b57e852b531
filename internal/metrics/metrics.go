// Package metrics 汇总服务端与客户端的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pointchat_ws_connections",
		Help: "Current number of active websocket connections",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointchat_ws_messages_total",
		Help: "Total number of direct messages delivered through the realtime channel",
	})
	WsAuthExpiredClosures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointchat_ws_auth_expired_closures_total",
		Help: "Realtime connections closed by the server because the access token expired",
	})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	// 客户端侧
	TokenRefreshTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pointchat_client_token_refresh_total",
		Help: "Access token refresh attempts by result",
	}, []string{"result"})
	ChannelDialTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pointchat_client_channel_dial_total",
		Help: "Realtime channel dial attempts by result",
	}, []string{"result"})
	ChannelReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointchat_client_channel_reconnects_total",
		Help: "Reconnect attempts scheduled after an unexpected disconnect",
	})
	ChannelAuthExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pointchat_client_channel_auth_expired_total",
		Help: "Auth-expired signals observed on the realtime channel",
	})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, WsAuthExpiredClosures,
		HttpRequestsTotal, HttpRequestDuration,
		TokenRefreshTotal, ChannelDialTotal, ChannelReconnectsTotal, ChannelAuthExpiredTotal,
	)
}
