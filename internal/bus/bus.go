// ABOUTME: Event bus contract and event types for relay lifecycle notifications
// ABOUTME: Topics cover handover pending, claim, and close announcements

package bus

import (
	"context"
	"time"
)

// Topics for conversation lifecycle events.
const (
	TopicPending = "conversation.pending"
	TopicClaimed = "conversation.claimed"
	TopicClosed  = "conversation.closed"
)

// Event announces a conversation lifecycle change. Events are liveness
// signals only: anything a late subscriber missed is recoverable from the
// store, so delivery is best-effort.
type Event struct {
	ID             string    `json:"id"`
	Type           string    `json:"type"`
	ConversationID string    `json:"conversation_id"`
	AgentID        string    `json:"agent_id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Bus is a topic-based publish/subscribe fan-out. Implementations exist for
// in-process use (MemoryBus), Redis channels (RedisBus), and RabbitMQ topic
// exchanges (AMQPBus); all share the same delivery semantics: bounded
// per-subscriber queues, drop on overflow, no replay.
type Bus interface {
	// Publish sends an event to all current subscribers of the topic.
	Publish(ctx context.Context, topic string, event *Event) error

	// Subscribe registers for events on the topic. The returned channel is
	// closed on unsubscription; the subscription is cleaned up automatically
	// when ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (<-chan *Event, string, error)

	// Unsubscribe removes a subscription and closes its channel.
	Unsubscribe(topic, subID string)

	// Close shuts down the bus and closes all subscriber channels.
	Close() error
}
