package store

import (
	"context"
	"sync"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/keylock"
)

// MemoryStore keeps sessions in process memory. It is only consistent within
// a single relay instance.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
	locks    *keylock.Map
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		locks:    keylock.New(),
	}
}

func (m *MemoryStore) Get(_ context.Context, token string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[Key(token)].Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, token string, sess *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[Key(token)] = sess.Clone()
	return nil
}

func (m *MemoryStore) Lock(ctx context.Context, token string) (func(), error) {
	return m.locks.Lock(ctx, Key(token))
}

func (m *MemoryStore) Close() error { return nil }
