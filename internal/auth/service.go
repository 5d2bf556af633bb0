package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"chatgateway/internal/metrics"

	"github.com/rs/zerolog/log"
)

const TokenTypeBearer = "Bearer"

type Options struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Now 为空时使用 time.Now；测试通过它控制过期。
	Now func() time.Time
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Service 签发、校验并轮换 access/refresh token。进程启动时构造一次，
// 之后只读，可被所有请求与连接共享。
type Service struct {
	signer     signer
	accessTTL  time.Duration
	refreshTTL time.Duration
	creds      CredentialStore
	revoked    RevocationSet
	users      IdentityLookup
}

func NewService(opts Options, creds CredentialStore, revoked RevocationSet, users IdentityLookup) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	accessTTL, refreshTTL := opts.AccessTTL, opts.RefreshTTL
	if accessTTL <= 0 {
		accessTTL = 60 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		signer:     signer{secret: opts.Secret, now: now},
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		creds:      creds,
		revoked:    revoked,
		users:      users,
	}
}

func (s *Service) mintPair(userID uint) (TokenPair, error) {
	at, err := s.signer.sign(userID, TokenTypeAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign access token: %w", err)
	}
	rt, err := s.signer.sign(userID, TokenTypeRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return TokenPair{AccessToken: at, RefreshToken: rt, TokenType: TokenTypeBearer}, nil
}

// Issue 在登录时签发新的 token 对，并覆盖用户当前的 refresh token。
// 被覆盖的旧 token 不会写入吊销集合，但因不再是 current 而无法轮换。
func (s *Service) Issue(ctx context.Context, ident Identity) (TokenPair, error) {
	if ident.IsAnonymous() {
		return TokenPair{}, ErrIdentityNotFound
	}
	pair, err := s.mintPair(ident.ID)
	if err != nil {
		return TokenPair{}, err
	}
	if err := s.creds.StoreRefresh(ctx, ident.ID, pair.RefreshToken); err != nil {
		return TokenPair{}, fmt.Errorf("store refresh token: %w", err)
	}
	return pair, nil
}

// Rotate consumes a refresh token exactly once and returns a fresh pair.
func (s *Service) Rotate(ctx context.Context, presented string) (TokenPair, error) {
	pair, err := s.rotate(ctx, presented)
	metrics.TokenRotations.WithLabelValues(rotationResult(err)).Inc()
	return pair, err
}

func (s *Service) rotate(ctx context.Context, presented string) (TokenPair, error) {
	claims, err := s.signer.parse(presented, TokenTypeRefresh)
	if err != nil {
		return TokenPair{}, err
	}
	ident, err := s.users.FindIdentityByID(ctx, claims.UserID)
	if err != nil {
		return TokenPair{}, err
	}
	revoked, err := s.revoked.IsRevoked(ctx, claims.ID)
	if err != nil {
		// current 比对仍然兜底，吊销集合不可用时不阻断轮换。
		log.Warn().Err(err).Uint("user_id", ident.ID).Msg("revocation lookup failed")
	} else if revoked {
		return TokenPair{}, ErrStaleCredential
	}

	var pair TokenPair
	err = s.creds.RotateRefresh(ctx, ident.ID, func(ctx context.Context, current string) (string, error) {
		if current == "" || subtle.ConstantTimeCompare([]byte(current), []byte(presented)) != 1 {
			return "", ErrStaleCredential
		}
		next, err := s.mintPair(ident.ID)
		if err != nil {
			return "", err
		}
		pair = next
		return next.RefreshToken, nil
	})
	if err != nil {
		return TokenPair{}, err
	}
	// 只在新 token 落库之后吊销旧 jti：写入失败时旧 token 仍是 current，可以重试。
	if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		log.Warn().Err(err).Uint("user_id", ident.ID).Str("jti", claims.ID).Msg("revoke superseded refresh token")
	}
	return pair, nil
}

// Revoke 显式注销一个 refresh token：写入吊销集合，若它仍是 current 则一并清除。
func (s *Service) Revoke(ctx context.Context, presented string) error {
	claims, err := s.signer.parse(presented, TokenTypeRefresh)
	if err != nil {
		return err
	}
	return s.creds.RotateRefresh(ctx, claims.UserID, func(ctx context.Context, current string) (string, error) {
		if err := s.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
			return "", fmt.Errorf("revoke refresh token: %w", err)
		}
		if subtle.ConstantTimeCompare([]byte(current), []byte(presented)) == 1 {
			return "", nil
		}
		return current, nil
	})
}

// ValidateAccess performs the stateless check used by the REST surface:
// signature, expiry and token type only.
func (s *Service) ValidateAccess(token string) (*Claims, error) {
	return s.signer.parse(token, TokenTypeAccess)
}

func rotationResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStaleCredential):
		return "stale"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrInvalidCredential):
		return "invalid"
	case errors.Is(err, ErrIdentityNotFound):
		return "unknown_identity"
	default:
		return "error"
	}
}
