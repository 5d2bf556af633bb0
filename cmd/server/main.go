package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/bus"
	"chatgateway/internal/config"
	"chatgateway/internal/db"
	clog "chatgateway/internal/log"
	"chatgateway/internal/server"
	"chatgateway/internal/service"
	"chatgateway/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func main() {
	// main 函数负责加载配置、初始化日志、连接依赖并启动 HTTP/WebSocket 服务。
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb, err = db.NewRedisClient(ctx, db.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect")
		}
		defer rdb.Close()
	}

	b, err := newBus(cfg, rdb)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.BusDriver).Msg("bus")
	}
	defer b.Close()

	var revoked auth.RevocationSet = service.NewRevocationStore(gdb)
	if cfg.RevocationDriver == "redis" {
		revoked = auth.NewRedisRevocationSet(rdb)
	}

	users := service.NewUserService(gdb)
	tokens := auth.NewService(auth.Options{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute,
		RefreshTTL: time.Duration(cfg.RefreshTokenTTLDays) * 24 * time.Hour,
	}, service.NewCredentialStore(gdb), revoked, users)

	registry := ws.NewRegistry()
	msgs := service.NewMessageService(gdb)
	gw := ws.NewGateway(registry, b, ws.NewAuthenticator(users), msgs, cfg.CORSOrigins)
	if err := gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("gateway start")
	}

	limiters := server.DefaultLimiters()
	go limiters.API.Run(ctx, time.Minute)
	go limiters.Token.Run(ctx, time.Minute)

	r := server.SetupRouter(cfg, server.Deps{
		Handler:  server.NewHandler(users, service.NewRoomService(gdb, registry), msgs, tokens),
		Tokens:   tokens,
		Users:    users,
		Gateway:  gw,
		Limiters: limiters,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("bus", cfg.BusDriver).Str("revocations", cfg.RevocationDriver).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

// newBus 根据 CHAT_BUS_DRIVER 选择 fan-out 实现。
func newBus(cfg config.Config, rdb *redis.Client) (bus.Bus, error) {
	switch cfg.BusDriver {
	case "redis":
		return bus.NewRedis(rdb, bus.DefaultTopic), nil
	case "nats":
		conn, err := bus.DialNATS(cfg.NATSURL, "chatgateway")
		if err != nil {
			return nil, err
		}
		return bus.NewNATS(conn, bus.DefaultTopic), nil
	default:
		return bus.NewMemory(), nil
	}
}
