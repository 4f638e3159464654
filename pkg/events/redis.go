package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/orderdesk/pkg/config"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// NewRedisClient creates a Redis client from config and verifies connectivity
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.DB > 0 {
		opts.DB = cfg.DB
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// RedisBus delivers events locally and to every other process subscribed to
// the same Redis channel. Local handlers run synchronously inside Publish;
// remote delivery is asynchronous.
type RedisBus struct {
	local   *LocalBus
	client  *redis.Client
	channel string
	origin  string
	logger  *observability.Logger

	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

// NewRedisBus creates a bus on channel. Call Start before relying on
// cross-process delivery.
func NewRedisBus(client *redis.Client, channel string, logger *observability.Logger) *RedisBus {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RedisBus{
		local:   NewLocalBus(),
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		logger:  logger.WithField("component", "redis_event_bus"),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the Redis channel and dispatches remote events until
// ctx is cancelled or Close is called. It returns once the subscription is
// confirmed.
func (b *RedisBus) Start(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}
	b.pubsub = ps

	go b.listen(ctx, ps.Channel())
	return nil
}

func (b *RedisBus) listen(ctx context.Context, messages <-chan *redis.Message) {
	defer observability.RecoverPanic(b.logger, "redis event listener")

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.done:
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				b.logger.WithError(err).Warn("Dropping malformed event")
				continue
			}
			if e.Origin == b.origin {
				continue
			}
			_ = b.local.Publish(ctx, e)
		}
	}
}

// Publish delivers e to local handlers and then to Redis. A Redis failure is
// returned after local delivery has happened.
func (b *RedisBus) Publish(ctx context.Context, e Event) error {
	_ = b.local.Publish(ctx, e)

	e.Origin = b.origin
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe registers h for topic on this process
func (b *RedisBus) Subscribe(topic Topic, h Handler) func() {
	return b.local.Subscribe(topic, h)
}

// Close stops the listener and releases the subscription. The Redis client
// is owned by the caller.
func (b *RedisBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		if b.pubsub != nil {
			err = b.pubsub.Close()
		}
	})
	return err
}
