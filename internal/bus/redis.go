package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"codesync/server/internal/metrics"
)

// RedisBus implements Bus with Redis pub/sub.
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedisBus uses client for both publishing and the subscription connection.
func NewRedisBus(client *redis.Client, logger zerolog.Logger) *RedisBus {
	return &RedisBus{
		client: client,
		logger: logger.With().Str("component", "bus").Logger(),
	}
}

func (b *RedisBus) Publish(ctx context.Context, channel Channel, payload any) error {
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	if err := b.client.Publish(ctx, string(channel), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	metrics.BusPublished.WithLabelValues(string(channel)).Inc()
	return nil
}

// Subscribe may be called once per bus.
func (b *RedisBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return fmt.Errorf("bus already subscribed")
	}

	names := make([]string, len(Channels))
	for i, c := range Channels {
		names[i] = string(c)
	}
	pubsub := b.client.Subscribe(ctx, names...)
	// Wait for the subscription confirmation so no message published after
	// Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}
	b.pubsub = pubsub
	b.logger.Info().Strs("channels", names).Msg("subscribed to bus channels")

	ch := pubsub.Channel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				metrics.BusReceived.WithLabelValues(msg.Channel).Inc()
				handler(ctx, Message{Channel: Channel(msg.Channel), Payload: []byte(msg.Payload)})
			}
		}
	}()
	return nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub == nil {
		return nil
	}
	err := b.pubsub.Close()
	b.pubsub = nil
	return err
}
