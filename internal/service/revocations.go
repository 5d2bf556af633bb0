package service

import (
	"context"
	"time"

	"chatgateway/internal/db"
	"chatgateway/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RevocationStore persists revoked refresh-token ids in revoked_tokens.
type RevocationStore struct {
	db *gorm.DB
}

func NewRevocationStore(gdb *gorm.DB) *RevocationStore {
	return &RevocationStore{db: gdb}
}

// Revoke 幂等写入。在外层事务中调用时使用 savepoint，失败不会污染外层事务。
func (s *RevocationStore) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	rec := models.RevokedToken{TokenID: tokenID, ExpiresAt: expiresAt}
	return db.Conn(ctx, s.db).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "token_id"}},
			DoNothing: true,
		}).Create(&rec).Error
	})
}

func (s *RevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var count int64
	err := db.Conn(ctx, s.db).Model(&models.RevokedToken{}).Where("token_id = ?", tokenID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Purge 删除已经自然过期的条目，返回删除的行数。
func (s *RevocationStore) Purge(ctx context.Context, now time.Time) (int64, error) {
	res := db.Conn(ctx, s.db).Where("expires_at <= ?", now).Delete(&models.RevokedToken{})
	return res.RowsAffected, res.Error
}
