package service

import (
	"context"
	"errors"

	"chatgateway/internal/auth"
	"chatgateway/internal/db"
	"chatgateway/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialStore keeps each user's current refresh token in users.refresh_token.
// Rotation holds a per-user in-process lock and, on Postgres, a row lock, so
// concurrent rotations serialize both within and across processes.
type CredentialStore struct {
	db    *gorm.DB
	locks auth.KeyedMutex
}

func NewCredentialStore(gdb *gorm.DB) *CredentialStore {
	return &CredentialStore{db: gdb}
}

func credentialUpdate(token string) map[string]interface{} {
	return map[string]interface{}{
		"refresh_token":      token,
		"credential_version": gorm.Expr("credential_version + 1"),
	}
}

func (s *CredentialStore) StoreRefresh(ctx context.Context, userID uint, token string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	res := db.Conn(ctx, s.db).Model(&models.User{}).Where("id = ?", userID).Updates(credentialUpdate(token))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return auth.ErrIdentityNotFound
	}
	return nil
}

func (s *CredentialStore) RotateRefresh(ctx context.Context, userID uint, fn auth.RotateFunc) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	return db.Transaction(ctx, s.db, func(ctx context.Context, tx *gorm.DB) error {
		q := tx.Select("id", "refresh_token")
		if tx.Dialector.Name() == "postgres" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE"})
		}
		var user models.User
		if err := q.Where("id = ?", userID).Take(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return auth.ErrIdentityNotFound
			}
			return err
		}
		next, err := fn(ctx, user.RefreshToken)
		if err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("id = ?", userID).Updates(credentialUpdate(next)).Error
	})
}
