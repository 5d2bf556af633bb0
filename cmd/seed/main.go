package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"chatgateway/internal/auth"
	"chatgateway/internal/config"
	"chatgateway/internal/db"
	clog "chatgateway/internal/log"
	"chatgateway/internal/service"

	"github.com/rs/zerolog/log"
)

func main() {
	users := flag.String("users", "", "comma separated username:password pairs")
	rooms := flag.String("rooms", "lobby", "comma separated room names; every seeded user joins them")
	anonymous := flag.Bool("anonymous", true, "create the directory user that stores anonymous messages")
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
	s := seeder{users: service.NewUserService(gdb), rooms: service.NewRoomService(gdb, nil)}
	if err := s.run(ctx, config.SplitList(*users), config.SplitList(*rooms), *anonymous); err != nil {
		log.Fatal().Err(err).Msg("seed")
	}
}

type seeder struct {
	users *service.UserService
	rooms *service.RoomService
}

// run is idempotent: existing users and rooms are left untouched.
func (s seeder) run(ctx context.Context, users, rooms []string, anonymous bool) error {
	var ids []uint
	for _, pair := range users {
		name, pw, ok := strings.Cut(pair, ":")
		if !ok || name == "" || pw == "" {
			return fmt.Errorf("users entry %q must be username:password", pair)
		}
		id, err := s.ensureUser(ctx, name, pw)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", name, err)
		}
		ids = append(ids, id)
	}
	if anonymous {
		if _, err := s.ensureUser(ctx, auth.AnonymousName, randomPassword()); err != nil {
			return fmt.Errorf("seed anonymous user: %w", err)
		}
	}

	for _, name := range rooms {
		_, err := s.rooms.Create(ctx, name, ids...)
		switch {
		case errors.Is(err, service.ErrRoomExists):
			log.Info().Str("room", name).Msg("room exists")
		case err != nil:
			return fmt.Errorf("seed room %s: %w", name, err)
		default:
			log.Info().Str("room", name).Int("participants", len(ids)).Msg("room created")
		}
	}
	return nil
}

func (s seeder) ensureUser(ctx context.Context, name, pw string) (uint, error) {
	res, err := s.users.Register(ctx, name, pw)
	if err == nil {
		log.Info().Str("username", name).Uint("id", res.ID).Msg("user created")
		return res.ID, nil
	}
	if !errors.Is(err, service.ErrUsernameTaken) {
		return 0, err
	}
	ident, err := s.users.FindIdentityByName(ctx, name)
	if err != nil {
		return 0, err
	}
	log.Info().Str("username", name).Uint("id", ident.ID).Msg("user exists")
	return ident.ID, nil
}

func randomPassword() string {
	b := make([]byte, 24)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
