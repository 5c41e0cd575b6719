package thread

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/domain"
	"github.com/xiaot623/chatrelay/internal/store"
)

type countingCreator struct {
	calls atomic.Int32
	err   error
}

func (c *countingCreator) CreateThread(context.Context) (string, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return "", c.err
	}
	return fmt.Sprintf("thread_%d", n), nil
}

func TestBindIsIdempotent(t *testing.T) {
	ctx := context.Background()
	creator := &countingCreator{}
	st := store.NewMemoryStore()
	b := NewBinder(creator, st)

	sess := &domain.Session{}
	id, created, err := b.Bind(ctx, "tok", sess)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "thread_1", id)

	for i := 0; i < 3; i++ {
		again, created, err := b.Bind(ctx, "tok", sess)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, id, again)
	}
	assert.Equal(t, int32(1), creator.calls.Load())

	stored, err := st.Get(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, id, stored.ThreadID)
}

func TestBindProviderFailureLeavesSessionUnbound(t *testing.T) {
	creator := &countingCreator{err: domain.ProviderError("create_thread", errors.New("boom"))}
	b := NewBinder(creator, store.NewMemoryStore())

	sess := &domain.Session{}
	_, _, err := b.Bind(context.Background(), "tok", sess)
	require.Error(t, err)
	assert.False(t, sess.HasThread())
}
