package store

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EvictionBus broadcasts socket ids that lost their session to a newer
// connection, so the relay instance holding the socket can close it.
type EvictionBus struct {
	client  redis.UniversalClient
	channel string
}

// NewEvictionBus creates a bus on "<prefix>:evictions".
func NewEvictionBus(client redis.UniversalClient, prefix string) *EvictionBus {
	if prefix == "" {
		prefix = "chatrelay"
	}
	return &EvictionBus{client: client, channel: prefix + ":evictions"}
}

// Publish announces that socketID must be disconnected.
func (b *EvictionBus) Publish(ctx context.Context, socketID string) error {
	if err := b.client.Publish(ctx, b.channel, socketID).Err(); err != nil {
		return errors.Wrap(err, "publish eviction")
	}
	return nil
}

// Subscribe calls handle for every announced socket id until ctx is done.
// It returns once the subscription is confirmed.
func (b *EvictionBus) Subscribe(ctx context.Context, handle func(socketID string)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return errors.Wrap(err, "subscribe evictions")
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				log.Debug().Str("component", "evictions").Str("socket_id", msg.Payload).Msg("eviction received")
				handle(msg.Payload)
			}
		}
	}()
	return nil
}
