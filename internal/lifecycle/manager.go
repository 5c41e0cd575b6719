// Package lifecycle binds transport connections to sessions and enforces a
// single active socket per session.
package lifecycle

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/auth"
	"github.com/xiaot623/chatrelay/internal/config"
	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/store"
	"github.com/xiaot623/chatrelay/internal/thread"
)

// ErrConflict is returned when a session already has a live socket and the
// takeover policy is refuse.
var ErrConflict = errors.New("session already has an active connection")

// Evictor disconnects a socket that lost its session to a newer connection.
type Evictor interface {
	Evict(ctx context.Context, socketID string) error
}

// EvictorFunc adapts a function to Evictor.
type EvictorFunc func(ctx context.Context, socketID string) error

func (f EvictorFunc) Evict(ctx context.Context, socketID string) error { return f(ctx, socketID) }

// Binding is the outcome of a successful connect.
type Binding struct {
	Token     string
	SocketID  string
	ThreadID  string
	Metadata  domain.Metadata
	NewThread bool   // a thread was created for this connection
	Evicted   string // socket id that was displaced, if any

	// Greet asks the caller to send the greeting turn into the new thread.
	Greet bool
	// Ack asks the caller to acknowledge a resumed session.
	Ack bool
}

// Options configures a Manager.
type Options struct {
	Policy           string // config.PolicyRefuse or config.PolicyEvict
	GreetNewSessions bool
	AckReconnects    bool
}

// Manager implements connect, disconnect and delivery checks.
type Manager struct {
	verifier auth.Verifier
	store    store.SessionStore
	binder   *thread.Binder
	evictor  Evictor
	opts     Options

	mu     sync.RWMutex
	active map[string]string // store key -> socket id bound through this instance
}

// NewManager creates a lifecycle manager. evictor may be nil when the policy
// is refuse.
func NewManager(verifier auth.Verifier, st store.SessionStore, binder *thread.Binder, evictor Evictor, opts Options) *Manager {
	if opts.Policy == "" {
		opts.Policy = config.PolicyRefuse
	}
	return &Manager{
		verifier: verifier,
		store:    st,
		binder:   binder,
		evictor:  evictor,
		opts:     opts,
		active:   make(map[string]string),
	}
}

// Connect verifies token and binds socketID to its session, creating the
// session and its thread on first contact.
func (m *Manager) Connect(ctx context.Context, token, socketID string) (*Binding, error) {
	meta, err := m.verifier.Verify(token)
	if err != nil {
		log.Info().Str("component", "lifecycle").Str("socket_id", socketID).Err(err).Msg("connection refused: token rejected")
		return nil, err
	}
	logger := log.With().
		Str("component", "lifecycle").
		Str("session", domain.Fingerprint(token)).
		Str("socket_id", socketID).
		Logger()

	unlock, err := m.store.Lock(ctx, token)
	if err != nil {
		return nil, storeErr(err)
	}
	defer unlock()

	sess, err := m.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = &domain.Session{}
	}
	sess.Metadata = meta

	binding := &Binding{Token: token, SocketID: socketID, Metadata: meta}

	if old := sess.ActiveSocket(); old != "" && old != socketID {
		if m.opts.Policy != config.PolicyEvict {
			logger.Info().Str("active_socket_id", old).Msg("connection refused: session already bound")
			return nil, domain.ConflictError(ErrConflict)
		}
		if m.evictor != nil {
			if err := m.evictor.Evict(ctx, old); err != nil {
				logger.Warn().Err(err).Str("evicted_socket_id", old).Msg("failed to notify evicted socket")
			}
		}
		binding.Evicted = old
		logger.Info().Str("evicted_socket_id", old).Msg("evicting previous connection")
	}

	threadID, created, err := m.binder.Bind(ctx, token, sess)
	if err != nil {
		return nil, err
	}
	binding.ThreadID = threadID
	binding.NewThread = created

	sess.SetActiveSocket(socketID)
	if err := m.store.Put(ctx, token, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.active[store.Key(token)] = socketID
	m.mu.Unlock()

	binding.Greet = created && m.opts.GreetNewSessions
	binding.Ack = !created && m.opts.AckReconnects

	logger.Info().
		Str("thread_id", threadID).
		Bool("new_thread", created).
		Msg("socket bound to session")
	return binding, nil
}

// Disconnect releases the session binding when socketID still owns it. A
// stale socket id is a no-op.
func (m *Manager) Disconnect(ctx context.Context, token, socketID string) error {
	key := store.Key(token)
	m.mu.Lock()
	if m.active[key] == socketID {
		delete(m.active, key)
	}
	m.mu.Unlock()

	logger := log.With().
		Str("component", "lifecycle").
		Str("session", domain.Fingerprint(token)).
		Str("socket_id", socketID).
		Logger()

	unlock, err := m.store.Lock(ctx, token)
	if err != nil {
		return storeErr(err)
	}
	defer unlock()

	sess, err := m.store.Get(ctx, token)
	if err != nil {
		return err
	}
	if sess == nil || sess.ActiveSocket() != socketID {
		logger.Debug().Str("active_socket_id", sess.ActiveSocket()).Msg("stale disconnect ignored")
		return nil
	}

	sess.SetActiveSocket("")
	if err := m.store.Put(ctx, token, sess); err != nil {
		return err
	}
	logger.Info().Msg("socket released")
	return nil
}

// IsActive reports whether socketID is still the socket this instance bound
// for token. Deliveries for runs started by a replaced socket are dropped.
func (m *Manager) IsActive(token, socketID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active[store.Key(token)] == socketID
}

func storeErr(err error) error {
	if domain.IsKind(err, domain.KindStore) {
		return err
	}
	return domain.StoreError(err)
}
