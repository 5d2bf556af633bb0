package mw

import (
	"context"
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

// Limiter 为每个 key（客户端 IP + 路由）维护一个令牌桶，闲置超过 ttl 的桶会被回收。
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*keyLimiter
	limit rate.Limit
	burst int
	ttl   time.Duration
	now   func() time.Time
}

func NewLimiter(limit rate.Limit, burst int, ttl time.Duration) *Limiter {
	return &Limiter{
		keys:  make(map[string]*keyLimiter),
		limit: limit,
		burst: burst,
		ttl:   ttl,
		now:   time.Now,
	}
}

func (l *Limiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	kl, ok := l.keys[key]
	if !ok {
		kl = &keyLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.keys[key] = kl
	}
	kl.seen = l.now()
	return kl.lim.AllowN(kl.seen, 1)
}

// sweep 删除闲置的桶，返回删除数量。
func (l *Limiter) sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, v := range l.keys {
		if now.Sub(v.seen) > l.ttl {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Run 周期性回收闲置的桶，直到 ctx 结束。
func (l *Limiter) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// Middleware 返回一个基于 IP+路由的令牌桶限速中间件。
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !l.allow(clientIP(c.Request.RemoteAddr) + "|" + path) {
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
