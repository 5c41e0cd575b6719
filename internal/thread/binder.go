// Package thread binds sessions to provider conversation threads.
package thread

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/store"
)

// Creator creates provider-side threads.
type Creator interface {
	CreateThread(ctx context.Context) (string, error)
}

// Binder guarantees each session has exactly one thread.
type Binder struct {
	creator Creator
	store   store.SessionStore
}

// NewBinder creates a binder.
func NewBinder(creator Creator, st store.SessionStore) *Binder {
	return &Binder{creator: creator, store: st}
}

// Bind returns the session's thread id, creating and persisting one if the
// session has none. The caller must hold the token's lock so that the
// check, the creation and the write happen in one critical section.
// created reports whether a new thread was made.
func (b *Binder) Bind(ctx context.Context, token string, sess *domain.Session) (threadID string, created bool, err error) {
	if sess.HasThread() {
		return sess.ThreadID, false, nil
	}

	threadID, err = b.creator.CreateThread(ctx)
	if err != nil {
		return "", false, err
	}
	if threadID == "" {
		return "", false, domain.ProviderError("create_thread", errors.New("provider returned an empty thread id"))
	}

	sess.ThreadID = threadID
	if err := b.store.Put(ctx, token, sess); err != nil {
		// The thread exists upstream but is not recorded; the next connect
		// creates another one.
		sess.ThreadID = ""
		return "", false, err
	}

	log.Info().
		Str("component", "thread").
		Str("session", domain.Fingerprint(token)).
		Str("thread_id", threadID).
		Msg("thread created for session")
	return threadID, true, nil
}
