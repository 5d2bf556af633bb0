package main

import (
	"context"
	"flag"
	"time"

	"chatgateway/internal/config"
	"chatgateway/internal/db"
	clog "chatgateway/internal/log"
	"chatgateway/internal/service"

	"github.com/rs/zerolog/log"
)

// auth_cleanup 删除已过期的吊销记录。过期的 refresh token 已无法通过签名校验，
// 其吊销记录可以安全回收；适合由 cron 周期执行。
func main() {
	grace := flag.Duration("grace", time.Hour, "keep revocations this long past their expiry")
	flag.Parse()

	cfg := config.Load()
	clog.Init(cfg.Env)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := service.NewRevocationStore(gdb).Purge(ctx, time.Now().Add(-*grace))
	if err != nil {
		log.Fatal().Err(err).Msg("purge revocations")
	}
	log.Info().Int64("deleted", n).Dur("grace", *grace).Msg("revocations purged")
}
