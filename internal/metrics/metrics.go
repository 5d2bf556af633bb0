package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_ws_connections",
		Help: "Current number of open gateway sessions on this process",
	})
	WsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_messages_total",
		Help: "Total number of chat messages persisted and published",
	})
	WsDroppedMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_ws_dropped_messages_total",
		Help: "Inbound chat messages dropped before fan-out",
	}, []string{"reason"})
	WsSlowSubscribers = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_ws_slow_subscribers_total",
		Help: "Subscribers removed from a room because they could not accept a delivery",
	})
	BusPublishErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chat_bus_publish_errors_total",
		Help: "Fan-out bus publish failures",
	})
	TokenRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_token_rotations_total",
		Help: "Refresh token rotations by outcome",
	}, []string{"result"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections, WsMessagesTotal, WsDroppedMessages, WsSlowSubscribers,
		BusPublishErrors, TokenRotations, HttpRequestsTotal, HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}
