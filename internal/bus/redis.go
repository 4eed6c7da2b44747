package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Redis is a Bus over Redis pub/sub. Each subscribed channel gets its own
// PubSub connection and relay goroutine, so unsubscribing a room never
// disturbs the others.
type Redis struct {
	client *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redis.PubSub
	closed bool
	wg     sync.WaitGroup
}

// DialRedis connects to Redis and verifies the connection with PING.
func DialRedis(ctx context.Context, opts *redis.Options, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	return NewRedis(client, logger), nil
}

// NewRedis wraps an existing client. Close closes the client.
func NewRedis(client *redis.Client, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger,
		subs:   make(map[string]*redis.PubSub),
	}
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publishing to %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context, channel string, handler Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.subs[channel]; ok {
		return fmt.Errorf("%s: %w", channel, ErrAlreadySubscribed)
	}

	pubsub := r.client.Subscribe(ctx, channel)
	// Wait for the subscription to be confirmed so that nothing published
	// after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribing to %s: %w", channel, err)
	}
	r.subs[channel] = pubsub

	msgs := pubsub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for msg := range msgs {
			handler([]byte(msg.Payload))
		}
		r.logger.Debug("redis relay stopped", "channel", channel)
	}()
	return nil
}

func (r *Redis) Unsubscribe(_ context.Context, channel string) error {
	r.mu.Lock()
	pubsub, ok := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	// Closing the PubSub closes its message channel, which ends the relay.
	if err := pubsub.Close(); err != nil {
		return fmt.Errorf("unsubscribing from %s: %w", channel, err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for channel, pubsub := range subs {
		if err := pubsub.Close(); err != nil {
			r.logger.Warn("closing subscription", "channel", channel, "error", err)
		}
	}
	r.wg.Wait()
	return r.client.Close()
}
