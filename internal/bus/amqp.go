// ABOUTME: RabbitMQ-backed event bus using a topic exchange
// ABOUTME: Exclusive auto-delete queue per instance, fans in to a local MemoryBus

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPBus distributes lifecycle events through a RabbitMQ topic exchange.
// Each instance consumes from its own exclusive auto-delete queue, so every
// instance sees every event and queues vanish with their connection.
type AMQPBus struct {
	conn     *amqp091.Connection
	ch       *amqp091.Channel
	exchange string
	queue    string
	local    *MemoryBus
	logger   *slog.Logger

	mu       sync.Mutex
	bound    map[string]bool
	consumed bool
}

// NewAMQPBus dials the broker and declares the topic exchange.
func NewAMQPBus(url, exchange string, logger *slog.Logger) (*AMQPBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bus")

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &AMQPBus{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		queue:    q.Name,
		local:    NewMemoryBus(logger),
		logger:   logger,
		bound:    make(map[string]bool),
	}, nil
}

// Publish marshals the event and publishes it with the topic as routing key.
func (b *AMQPBus) Publish(ctx context.Context, topic string, event *Event) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	err = ch.PublishWithContext(
		ctx, b.exchange, topic, false, false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Transient,
			MessageId:    event.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}
	return nil
}

// Subscribe binds the instance queue to the topic and registers a local
// subscriber. The consumer loop starts on first subscription.
func (b *AMQPBus) Subscribe(ctx context.Context, topic string) (<-chan *Event, string, error) {
	b.mu.Lock()
	if !b.bound[topic] {
		if err := b.ch.QueueBind(b.queue, topic, b.exchange, false, nil); err != nil {
			b.mu.Unlock()
			return nil, "", fmt.Errorf("bind %s: %w", topic, err)
		}
		b.bound[topic] = true
	}
	if !b.consumed {
		deliveries, err := b.ch.Consume(b.queue, "", false, true, false, false, nil)
		if err != nil {
			b.mu.Unlock()
			return nil, "", fmt.Errorf("consume: %w", err)
		}
		b.consumed = true
		go b.consumeLoop(deliveries)
	}
	b.mu.Unlock()

	ch, subID, _ := b.local.Subscribe(ctx, topic)
	return ch, subID, nil
}

func (b *AMQPBus) consumeLoop(deliveries <-chan amqp091.Delivery) {
	for d := range deliveries {
		var event Event
		if err := json.Unmarshal(d.Body, &event); err != nil {
			b.logger.Warn("discarding malformed event", "routing_key", d.RoutingKey, "error", err)
			_ = d.Nack(false, false)
			continue
		}
		_ = b.local.Publish(context.Background(), d.RoutingKey, &event)
		_ = d.Ack(false)
	}
}

// Unsubscribe removes a local subscription. Queue bindings stay until Close.
func (b *AMQPBus) Unsubscribe(topic, subID string) {
	b.local.Unsubscribe(topic, subID)
}

// Close shuts down the consumer channel and connection.
func (b *AMQPBus) Close() error {
	_ = b.ch.Close()
	err := b.conn.Close()
	b.local.Close()
	return err
}
