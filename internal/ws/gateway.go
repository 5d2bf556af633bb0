package ws

import (
	"context"
	"net/http"

	"chatgateway/internal/bus"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Gateway 把 HTTP 升级为会话，并把总线上的消息投递给本进程的订阅者。
type Gateway struct {
	registry *Registry
	bus      bus.Bus
	authn    *Authenticator
	store    MessageStore
	upgrader websocket.Upgrader
}

func NewGateway(registry *Registry, b bus.Bus, authn *Authenticator, store MessageStore, allowedOrigins []string) *Gateway {
	return &Gateway{
		registry: registry,
		bus:      b,
		authn:    authn,
		store:    store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker 允许列表为空或包含 "*" 时放行所有来源；没有 Origin 头的
// 非浏览器客户端总是放行。
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(set) == 0 {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// Start subscribes the registry to the bus until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Subscribe(ctx, func(room string, payload []byte) {
		g.registry.Deliver(room, payload)
	})
}

// Serve handles GET /ws/chat/:room. Authentication failures never reject
// the handshake; the session continues as Anonymous.
func (g *Gateway) Serve(c *gin.Context) {
	room := c.Param("room")
	if room == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing room"})
		return
	}
	ident := g.authn.Authenticate(c.Request.Context(), c.Request.URL.Query())

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Str("room", room).Msg("ws upgrade")
		return
	}
	newSession(conn, room, ident, g.registry, g.bus, g.store).Run(c.Request.Context())
}
