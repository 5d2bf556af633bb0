package server

import (
	"net/http"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/metrics"
	"chatgateway/internal/mw"
	"chatgateway/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Deps 是路由需要的全部协作者，由 main 组装。
type Deps struct {
	Handler  *Handler
	Tokens   *auth.Service
	Users    auth.IdentityLookup
	Gateway  *ws.Gateway
	Limiters Limiters
}

// Limiters 分别限制普通 API 与 token 端点；为空时不限速。
type Limiters struct {
	API   *mw.Limiter
	Token *mw.Limiter
}

// DefaultLimiters 控制单个 IP+路由的速率，token 端点更严格以抑制口令爆破。
func DefaultLimiters() Limiters {
	return Limiters{
		API:   mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute),
		Token: mw.NewLimiter(rate.Every(time.Second), 5, 10*time.Minute),
	}
}

func limit(l *mw.Limiter) gin.HandlerFunc {
	if l == nil {
		return func(c *gin.Context) { c.Next() }
	}
	return l.Middleware()
}

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(mw.RequestLogger())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws/chat/:room", d.Gateway.Serve)

	api := r.Group("/api/v1")

	token := api.Group("/token", limit(d.Limiters.Token))
	token.POST("/get", d.Handler.IssueToken)
	token.POST("/refresh", d.Handler.RefreshToken)
	token.POST("/revoke", d.Handler.RevokeToken)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("", limit(d.Limiters.API), auth.Middleware(d.Tokens, d.Users))
	authed.GET("/me", d.Handler.Me)
	authed.GET("/rooms", d.Handler.ListRooms)
	authed.GET("/rooms/:name", d.Handler.GetRoom)
	authed.GET("/rooms/:name/messages", d.Handler.ListMessages)

	return r
}
