package auth

import (
	"context"
	"sync"
	"time"
)

// RotateFunc inspects the currently stored refresh token and returns the
// token that replaces it. Returning an error leaves the stored value untouched.
// ctx carries the store's transaction, if any.
type RotateFunc func(ctx context.Context, current string) (next string, err error)

// CredentialStore 保存每个用户当前唯一有效的 refresh token。
type CredentialStore interface {
	// StoreRefresh overwrites the current token without revoking the old one.
	StoreRefresh(ctx context.Context, userID uint, token string) error
	// RotateRefresh runs fn while holding an exclusive per-identity lock, so the
	// load-compare-write sequence cannot interleave with another rotation.
	RotateRefresh(ctx context.Context, userID uint, fn RotateFunc) error
}

// RevocationSet 记录被拉黑的 refresh token id（jti），在其名义过期前一直拒绝。
type RevocationSet interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// MemoryCredentialStore keeps refresh tokens in process memory. It is used by
// single-node setups and tests.
type MemoryCredentialStore struct {
	locks  KeyedMutex
	mu     sync.Mutex
	tokens map[uint]string
}

func NewMemoryCredentialStore() *MemoryCredentialStore {
	return &MemoryCredentialStore{tokens: make(map[uint]string)}
}

func (s *MemoryCredentialStore) StoreRefresh(_ context.Context, userID uint, token string) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	s.set(userID, token)
	return nil
}

func (s *MemoryCredentialStore) RotateRefresh(ctx context.Context, userID uint, fn RotateFunc) error {
	unlock := s.locks.Lock(userID)
	defer unlock()
	next, err := fn(ctx, s.Current(userID))
	if err != nil {
		return err
	}
	s.set(userID, next)
	return nil
}

// Current returns the stored refresh token, or "" when none is stored.
func (s *MemoryCredentialStore) Current(userID uint) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[userID]
}

func (s *MemoryCredentialStore) set(userID uint, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		delete(s.tokens, userID)
		return
	}
	s.tokens[userID] = token
}

type MemoryRevocationSet struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewMemoryRevocationSet() *MemoryRevocationSet {
	return &MemoryRevocationSet{revoked: make(map[string]time.Time)}
}

func (s *MemoryRevocationSet) Revoke(_ context.Context, tokenID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[tokenID] = expiresAt
	return nil
}

func (s *MemoryRevocationSet) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.revoked[tokenID]
	return ok, nil
}

// Purge drops entries whose token has expired anyway and returns how many were removed.
func (s *MemoryRevocationSet) Purge(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, id)
			n++
		}
	}
	return n
}
