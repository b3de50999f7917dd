// ABOUTME: Redis-backed event bus for multi-instance deployments
// ABOUTME: Publishes JSON events to Redis channels, fans in to a local MemoryBus

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

// RedisBus distributes lifecycle events through Redis pub/sub channels, one
// channel per topic. Delivery across instances goes through Redis only;
// events published here come back via the channel reader, so local
// subscribers see each event exactly once.
type RedisBus struct {
	client *redis.Client
	local  *MemoryBus
	logger *slog.Logger

	mu      sync.Mutex
	readers map[string]*redis.PubSub // topic -> channel reader
	cancel  context.CancelFunc
	ctx     context.Context
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, addr, password string, db int, logger *slog.Logger) (*RedisBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	busCtx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client:  client,
		local:   NewMemoryBus(logger),
		logger:  logger,
		readers: make(map[string]*redis.PubSub),
		ctx:     busCtx,
		cancel:  cancel,
	}, nil
}

// Publish marshals the event and sends it to the topic's Redis channel.
func (b *RedisBus) Publish(ctx context.Context, topic string, event *Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.client.Publish(ctx, topic, body).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe registers a local subscriber for the topic and ensures a Redis
// channel reader is running for it. Readers live until Close.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, string, error) {
	b.mu.Lock()
	if _, ok := b.readers[topic]; !ok {
		ps := b.client.Subscribe(b.ctx, topic)
		// Wait for the subscription to be active before handing out channels,
		// otherwise an immediate publish could be missed.
		if _, err := ps.Receive(b.ctx); err != nil {
			b.mu.Unlock()
			ps.Close()
			return nil, "", fmt.Errorf("redis subscribe %s: %w", topic, err)
		}
		b.readers[topic] = ps
		go b.readLoop(topic, ps)
	}
	b.mu.Unlock()

	ch, subID, _ := b.local.Subscribe(ctx, topic)
	return ch, subID, nil
}

func (b *RedisBus) readLoop(topic string, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			b.logger.Warn("discarding malformed event", "topic", topic, "error", err)
			continue
		}
		_ = b.local.Publish(b.ctx, topic, &event)
	}
}

// Unsubscribe removes a local subscription.
func (b *RedisBus) Unsubscribe(topic, subID string) {
	b.local.Unsubscribe(topic, subID)
}

// Close shuts down all channel readers and the Redis client.
func (b *RedisBus) Close() error {
	b.cancel()

	b.mu.Lock()
	for topic, ps := range b.readers {
		ps.Close()
		delete(b.readers, topic)
	}
	b.mu.Unlock()

	b.local.Close()
	return b.client.Close()
}
