package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "revoked:refresh:"

// RedisRevocationSet stores each revoked jti as a key that expires together
// with the token, so the set never outgrows the live refresh window.
type RedisRevocationSet struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisRevocationSet(client redis.Cmdable) *RedisRevocationSet {
	return &RedisRevocationSet{client: client, now: time.Now}
}

func (s *RedisRevocationSet) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.now())
	if ttl <= 0 {
		// 已过期的 token 会在签名校验阶段被拒绝，无需入黑名单。
		return nil
	}
	return s.client.Set(ctx, revokedKeyPrefix+tokenID, "1", ttl).Err()
}

func (s *RedisRevocationSet) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := s.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
