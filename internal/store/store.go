// Package store persists token-keyed sessions in an external key-value store.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/xiaot623/chatrelay/internal/domain"
)

// Store is the session persistence contract. Get returns (nil, nil) when no
// session exists for the token.
type Store interface {
	Get(ctx context.Context, token string) (*domain.Session, error)
	Put(ctx context.Context, token string, sess *domain.Session) error
	Close() error
}

// Locker serialises read-modify-write sequences on a single token.
type Locker interface {
	Lock(ctx context.Context, token string) (func(), error)
}

// SessionStore is a Store that can also lock a token.
type SessionStore interface {
	Store
	Locker
}

// Key derives the storage key for a token. Raw tokens never reach storage.
func Key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
