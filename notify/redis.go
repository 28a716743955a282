package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/voxmeter"
)

const defaultChannel = "voxmeter:changes"

// RedisPublisher publishes changes on a Redis pub/sub channel so that every
// instance's Hub sees them.
type RedisPublisher struct {
	client  goredis.UniversalClient
	channel string
}

var _ voxmeter.Notifier = (*RedisPublisher)(nil)

// RedisOption configures RedisPublisher and RedisBridge.
type RedisOption func(*string)

// WithChannel sets the pub/sub channel (default "voxmeter:changes").
func WithChannel(name string) RedisOption {
	return func(ch *string) { *ch = name }
}

// NewRedisPublisher creates a publisher on client.
func NewRedisPublisher(client goredis.UniversalClient, opts ...RedisOption) *RedisPublisher {
	ch := defaultChannel
	for _, opt := range opts {
		opt(&ch)
	}
	return &RedisPublisher{client: client, channel: ch}
}

func (p *RedisPublisher) Publish(ctx context.Context, change voxmeter.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("voxmeter/notify: encode change: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("voxmeter/notify: publish: %w", err)
	}
	return nil
}

// RedisBridge forwards changes from a Redis channel into a local Hub.
type RedisBridge struct {
	client  goredis.UniversalClient
	channel string
	hub     *Hub
	logger  *slog.Logger
}

// NewRedisBridge creates a bridge feeding hub.
func NewRedisBridge(client goredis.UniversalClient, hub *Hub, logger *slog.Logger, opts ...RedisOption) *RedisBridge {
	ch := defaultChannel
	for _, opt := range opts {
		opt(&ch)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBridge{client: client, channel: ch, hub: hub, logger: logger}
}

// Run subscribes and forwards until ctx is done.
func (b *RedisBridge) Run(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("voxmeter/notify: subscribe %s: %w", b.channel, err)
	}

	msgs := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var change voxmeter.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				b.logger.WarnContext(ctx, "notify_decode_failed", "channel", msg.Channel, "error", err)
				continue
			}
			_ = b.hub.Publish(ctx, change)
		}
	}
}
