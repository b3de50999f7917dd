// ABOUTME: Tests for the in-memory event bus
// ABOUTME: Covers fan-out, bounded queues with drop-on-full, unsubscription

package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(typ, convID string) *Event {
	return &Event{
		ID:             uuid.New().String(),
		Type:           typ,
		ConversationID: convID,
		Timestamp:      time.Now().UTC(),
	}
}

func recvEvent(t *testing.T, ch <-chan *Event) *Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before event arrived")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestMemoryBus_PublishReachesAllSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ch1, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)
	ch2, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), TopicPending, testEvent("pending", "conv-1")))

	assert.Equal(t, "conv-1", recvEvent(t, ch1).ConversationID)
	assert.Equal(t, "conv-1", recvEvent(t, ch2).ConversationID)
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	pending, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)
	claimed, _, err := b.Subscribe(context.Background(), TopicClaimed)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), TopicClaimed, testEvent("claimed", "conv-1")))

	assert.Equal(t, "conv-1", recvEvent(t, claimed).ConversationID)
	select {
	case ev := <-pending:
		t.Fatalf("unexpected event on pending topic: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_PublishWithoutSubscribersIsNoop(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	assert.NoError(t, b.Publish(context.Background(), TopicClosed, testEvent("closed", "conv-1")))
}

func TestMemoryBus_SlowSubscriberDropsOverflow(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	slow, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)

	// Nobody drains slow, so everything past the buffer is dropped.
	for i := 0; i < subscriberBufferSize+10; i++ {
		require.NoError(t, b.Publish(context.Background(), TopicPending, testEvent("pending", "conv-1")))
	}

	assert.Len(t, slow, subscriberBufferSize)

	// The bus itself must stay responsive for other subscribers.
	fresh, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), TopicPending, testEvent("pending", "conv-2")))
	assert.Equal(t, "conv-2", recvEvent(t, fresh).ConversationID)
}

func TestMemoryBus_UnsubscribeClosesChannel(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ch, subID, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)

	b.Unsubscribe(TopicPending, subID)

	_, ok := <-ch
	assert.False(t, ok)

	// Double unsubscribe must not panic.
	b.Unsubscribe(TopicPending, subID)
}

func TestMemoryBus_PublishRacingUnsubscribe(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	// Hammer the topic from several publishers while subscriptions churn,
	// the way agent disconnects race relay publishes. Must never panic.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = b.Publish(context.Background(), TopicPending, testEvent("pending", "conv-1"))
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		ch, subID, err := b.Subscribe(context.Background(), TopicPending)
		require.NoError(t, err)
		b.Unsubscribe(TopicPending, subID)
		for range ch {
			// Drain anything delivered before the unsubscribe landed.
		}
	}

	close(stop)
	wg.Wait()
}

func TestMemoryBus_ContextCancelUnsubscribes(t *testing.T) {
	b := NewMemoryBus(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := b.Subscribe(ctx, TopicPending)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancellation")
	}
}

func TestMemoryBus_CloseClosesAllSubscribers(t *testing.T) {
	b := NewMemoryBus(nil)

	ch1, _, err := b.Subscribe(context.Background(), TopicPending)
	require.NoError(t, err)
	ch2, _, err := b.Subscribe(context.Background(), TopicClosed)
	require.NoError(t, err)

	require.NoError(t, b.Close())

	_, ok := <-ch1
	assert.False(t, ok)
	_, ok = <-ch2
	assert.False(t, ok)
}
