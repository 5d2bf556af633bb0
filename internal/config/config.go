package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const defaultJWTSecret = "dev-secret-change-me"

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int
	RefreshTokenTTLDays   int

	// BusDriver selects the fan-out transport: memory, redis or nats.
	BusDriver string
	// RevocationDriver selects where revoked refresh tokens live: db or redis.
	RevocationDriver string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	NATSURL          string
	CORSOrigins      []string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getenvInt returns def when the variable is unset, malformed or not positive.
func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load 从环境变量读取配置，存在 .env 时先加载它。
func Load() Config {
	_ = godotenv.Load()
	redisDB, err := strconv.Atoi(getenv("REDIS_DB", "1"))
	if err != nil || redisDB < 0 {
		redisDB = 1
	}
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=chat port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", defaultJWTSecret),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getenvInt("ACCESS_TOKEN_TTL_MINUTES", 60),
		RefreshTokenTTLDays:   getenvInt("REFRESH_TOKEN_TTL_DAYS", 7),
		BusDriver:             strings.ToLower(getenv("CHAT_BUS_DRIVER", "memory")),
		RevocationDriver:      strings.ToLower(getenv("REVOCATION_DRIVER", "db")),
		RedisAddr:             getenv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		NATSURL:               getenv("NATS_URL", "nats://localhost:4222"),
		CORSOrigins:           SplitList(os.Getenv("CORS_ORIGINS")),
	}
}

// Validate rejects configurations the server cannot start with.
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("config: APP_PORT is empty")
	}
	if cfg.DatabaseDSN == "" {
		return errors.New("config: DATABASE_DSN is empty")
	}
	if cfg.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is empty")
	}
	if cfg.Env != "dev" && cfg.JWTSecret == defaultJWTSecret {
		return fmt.Errorf("config: default JWT_SECRET is not allowed in %q", cfg.Env)
	}
	switch cfg.BusDriver {
	case "", "memory", "redis", "nats":
	default:
		return fmt.Errorf("config: unknown CHAT_BUS_DRIVER %q", cfg.BusDriver)
	}
	switch cfg.RevocationDriver {
	case "", "db", "redis":
	default:
		return fmt.Errorf("config: unknown REVOCATION_DRIVER %q", cfg.RevocationDriver)
	}
	return nil
}

// NeedsRedis reports whether any configured component talks to Redis.
func (c Config) NeedsRedis() bool {
	return c.BusDriver == "redis" || c.RevocationDriver == "redis"
}
