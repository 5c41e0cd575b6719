package store

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/chatrelay/internal/domain"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, RedisOptions{Prefix: "test", LockTTL: time.Second})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func newSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func backends(t *testing.T) map[string]SessionStore {
	rs, _ := newRedisStore(t)
	return map[string]SessionStore{
		"memory": NewMemoryStore(),
		"sqlite": newSQLite(t),
		"redis":  rs,
	}
}

func TestStoreRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := s.Get(ctx, "tok")
			require.NoError(t, err)
			assert.Nil(t, got)

			sess := &domain.Session{
				Metadata: domain.Metadata{"email": "a@example.com"},
				ThreadID: "thread_1",
			}
			sess.SetActiveSocket("sock-1")
			require.NoError(t, s.Put(ctx, "tok", sess))

			got, err = s.Get(ctx, "tok")
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "thread_1", got.ThreadID)
			assert.Equal(t, "sock-1", got.ActiveSocket())
			assert.Equal(t, "a@example.com", got.Metadata.String("email"))

			got.SetActiveSocket("")
			require.NoError(t, s.Put(ctx, "tok", got))
			got, err = s.Get(ctx, "tok")
			require.NoError(t, err)
			assert.Nil(t, got.ActiveSocketID)
			assert.Equal(t, "thread_1", got.ThreadID)

			other, err := s.Get(ctx, "other-token")
			require.NoError(t, err)
			assert.Nil(t, other)
		})
	}
}

func TestStoreLockSerialises(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var inside, maxInside int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unlock, err := s.Lock(ctx, "tok")
					if !assert.NoError(t, err) {
						return
					}
					n := atomic.AddInt32(&inside, 1)
					for {
						m := atomic.LoadInt32(&maxInside)
						if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					atomic.AddInt32(&inside, -1)
					unlock()
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), maxInside)
		})
	}
}

func TestStoreLockHonoursContext(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			unlock, err := s.Lock(context.Background(), "tok")
			require.NoError(t, err)
			defer unlock()

			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()
			_, err = s.Lock(ctx, "tok")
			assert.Error(t, err)
		})
	}
}

func TestRedisStoreKeysHideToken(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.Put(context.Background(), "secret-token", &domain.Session{ThreadID: "t"}))

	for _, k := range mr.Keys() {
		assert.NotContains(t, k, "secret-token")
	}
	assert.True(t, mr.Exists("test:session:"+Key("secret-token")))
}

func TestRedisStoreLockExpires(t *testing.T) {
	s, mr := newRedisStore(t)
	_, err := s.Lock(context.Background(), "tok")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	unlock, err := s.Lock(ctx, "tok")
	require.NoError(t, err)
	unlock()
}

func TestRedisStoreUnavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()

	_, err := s.Get(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindStore))
	assert.True(t, domain.IsKind(s.Ping(context.Background()), domain.KindStore))
}

func TestEvictionBus(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewEvictionBus(client, "test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	require.NoError(t, bus.Subscribe(ctx, func(id string) { got <- id }))
	require.NoError(t, bus.Publish(ctx, "sock-9"))

	select {
	case id := <-got:
		assert.Equal(t, "sock-9", id)
	case <-time.After(2 * time.Second):
		t.Fatal("eviction not delivered")
	}
}
