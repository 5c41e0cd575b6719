package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/xiaot623/chatrelay/internal/domain"
)

const lockRetryInterval = 25 * time.Millisecond

// releaseScript deletes the lock key only when it still holds our fencing value.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps sessions as JSON documents in Redis.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	ttl     time.Duration
	lockTTL time.Duration
}

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Prefix  string
	TTL     time.Duration // zero keeps sessions forever
	LockTTL time.Duration
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts RedisOptions) *RedisStore {
	if opts.Prefix == "" {
		opts.Prefix = "chatrelay"
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}
	return &RedisStore{client: client, prefix: opts.Prefix, ttl: opts.TTL, lockTTL: opts.LockTTL}
}

// DialRedis connects to addr and verifies the server answers a PING.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return client, nil
}

func (r *RedisStore) sessionKey(token string) string {
	return r.prefix + ":session:" + Key(token)
}

func (r *RedisStore) lockKey(token string) string {
	return r.prefix + ":lock:" + Key(token)
}

func (r *RedisStore) Get(ctx context.Context, token string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.StoreError(errors.Wrap(err, "get session"))
	}
	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, domain.StoreError(errors.Wrap(err, "decode session"))
	}
	return &sess, nil
}

func (r *RedisStore) Put(ctx context.Context, token string, sess *domain.Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return domain.StoreError(errors.Wrap(err, "encode session"))
	}
	if err := r.client.Set(ctx, r.sessionKey(token), raw, r.ttl).Err(); err != nil {
		return domain.StoreError(errors.Wrap(err, "put session"))
	}
	return nil
}

// Lock takes a SET NX lease on the token and polls until it is acquired or
// ctx is done. The lease expires after LockTTL so a crashed holder cannot
// block the token forever.
func (r *RedisStore) Lock(ctx context.Context, token string) (func(), error) {
	key := r.lockKey(token)
	fence := uuid.NewString()

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, fence, r.lockTTL).Result()
		if err != nil {
			return nil, domain.StoreError(errors.Wrap(err, "acquire session lock"))
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, domain.StoreError(errors.Wrap(ctx.Err(), "acquire session lock"))
		case <-ticker.C:
		}
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, r.client, []string{key}, fence).Err(); err != nil {
			log.Warn().Err(err).Str("component", "store").Msg("failed to release session lock")
		}
	}, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Ping checks the server is reachable.
func (r *RedisStore) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return domain.StoreError(errors.Wrap(err, "ping redis"))
	}
	return nil
}
