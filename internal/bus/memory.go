// ABOUTME: In-memory fan-out event bus for single-process deployments
// ABOUTME: Bounded per-subscriber channels, drop-on-full, ctx auto-unsubscribe

package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
// A subscriber that falls 64 events behind starts losing them.
const subscriberBufferSize = 64

// subscriber owns one delivery channel. Its mutex covers both sends and the
// close, so a publish racing an unsubscribe can never hit a closed channel.
type subscriber struct {
	mu     sync.Mutex
	ch     chan *Event
	closed bool
}

// deliver attempts a non-blocking send. Returns false when the event was
// dropped, either because the channel is full or already closed.
func (s *subscriber) deliver(event *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *subscriber) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// MemoryBus provides in-process pub/sub for lifecycle events. It is the
// default backend and the local fan-out layer under the Redis and AMQP
// backends.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscriber // topic -> subID -> subscriber
	logger      *slog.Logger
}

// NewMemoryBus creates a bus. Pass nil logger for default.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subscribers: make(map[string]map[string]*subscriber),
		logger:      logger.With("component", "bus"),
	}
}

// Subscribe registers a subscriber for events on the given topic. Returns a
// channel that receives events and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, string, error) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan *Event, subscriberBufferSize)}

	b.mu.Lock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[string]*subscriber)
	}
	b.subscribers[topic][subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "topic", topic, "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(topic, subID)
	}()

	return sub.ch, subID, nil
}

// Publish sends an event to all subscribers of the given topic.
// Non-blocking: events are dropped for subscribers whose channels are full
// or already unsubscribed.
func (b *MemoryBus) Publish(_ context.Context, topic string, event *Event) error {
	b.mu.RLock()
	subs, ok := b.subscribers[topic]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return nil
	}

	// Copy subscribers under read lock to avoid holding it during sends
	targets := make([]*subscriber, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.deliver(event) {
			b.logger.Debug("dropped event for subscriber",
				"topic", topic,
				"event_id", event.ID)
		}
	}
	return nil
}

// Unsubscribe removes a subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(topic, subID string) {
	b.mu.Lock()
	subs, ok := b.subscribers[topic]
	if !ok {
		b.mu.Unlock()
		return
	}

	sub, exists := subs[subID]
	if !exists {
		b.mu.Unlock()
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()

	sub.shutdown()
	b.logger.Debug("subscriber removed", "topic", topic, "sub_id", subID)
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	var all []*subscriber
	for topic, subs := range b.subscribers {
		for subID, sub := range subs {
			all = append(all, sub)
			delete(subs, subID)
		}
		delete(b.subscribers, topic)
	}
	b.mu.Unlock()

	for _, sub := range all {
		sub.shutdown()
	}

	b.logger.Debug("bus closed")
	return nil
}
