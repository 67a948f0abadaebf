package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus fans messages out over a single Redis pub/sub channel.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *zap.Logger
}

func NewRedisBus(client redis.UniversalClient, channel string, logger *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "mechanic-dispatch:rooms"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the subscription. Handlers run
// on a single goroutine per subscription.
func (b *RedisBus) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}
	ch := ps.Channel()
	go func() {
		for m := range ch {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				b.logger.Warn("bus: dropping malformed message", zap.Error(err))
				continue
			}
			h(msg)
		}
	}()
	return redisSub{ps: ps}, nil
}

type redisSub struct{ ps *redis.PubSub }

func (s redisSub) Unsubscribe() error { return s.ps.Close() }
