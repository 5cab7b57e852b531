package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 IP+路由维护令牌桶，空闲超过 ttl 的桶由后台 goroutine 回收。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*keyLimiter
	r       rate.Limit
	burst   int
	ttl     time.Duration
	stop    chan struct{}
	once    sync.Once
}

// NewLimiter 创建限速器并启动回收 goroutine，停服时需调用 Stop。
func NewLimiter(rps float64, burst int, ttl time.Duration) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*keyLimiter),
		r:       rate.Limit(rps),
		burst:   burst,
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go l.gc()
	return l
}

// Allow 消耗 key 对应桶中的一个令牌。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	kl, ok := l.buckets[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(l.r, l.burst)}
		l.buckets[key] = kl
	}
	kl.seen = time.Now()
	l.mu.Unlock()
	return kl.lim.Allow()
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) sweep(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.buckets {
		if now.Sub(v.seen) > l.ttl {
			delete(l.buckets, k)
		}
	}
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// Stop 停止回收 goroutine，可重复调用。
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// RateLimit 返回基于 IP+路由的限速中间件，超限时返回 429。
func RateLimit(l *Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		if !l.Allow(ip + "|" + route) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
