// ABOUTME: Tests for the presence registry
// ABOUTME: Covers register/replace, unregister races, send, counts

package presence

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	frames []*Frame
	err    error
}

func (f *fakeSender) SendFrame(frame *Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) received() []*Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Frame(nil), f.frames...)
}

func TestRegister_ReplacesPreviousConnection(t *testing.T) {
	r := NewRegistry(nil)

	first := &fakeSender{}
	second := &fakeSender{}

	prev := r.Register(KindUser, "u1", first)
	assert.Nil(t, prev)

	prev = r.Register(KindUser, "u1", second)
	assert.Same(t, first, prev.(*fakeSender))

	require.NoError(t, r.Send(KindUser, "u1", &Frame{Message: "hi"}))
	assert.Empty(t, first.received())
	assert.Len(t, second.received(), 1)
}

func TestSend_NotConnected(t *testing.T) {
	r := NewRegistry(nil)

	err := r.Send(KindAgent, "a1", &Frame{Message: "hi"})
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSend_PropagatesSenderError(t *testing.T) {
	r := NewRegistry(nil)

	broken := &fakeSender{err: errors.New("socket closed")}
	r.Register(KindUser, "u1", broken)

	err := r.Send(KindUser, "u1", &Frame{Message: "hi"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotConnected)
}

func TestUnregister_RemovesActor(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(KindUser, "u1", &fakeSender{})
	r.Unregister(KindUser, "u1")

	assert.False(t, r.IsConnected(KindUser, "u1"))
	assert.ErrorIs(t, r.Send(KindUser, "u1", &Frame{}), ErrNotConnected)
}

func TestUnregisterSender_IgnoresStaleConnection(t *testing.T) {
	r := NewRegistry(nil)

	stale := &fakeSender{}
	fresh := &fakeSender{}
	r.Register(KindUser, "u1", stale)
	r.Register(KindUser, "u1", fresh)

	// Stale read loop exiting after the reconnect must not evict fresh.
	removed := r.UnregisterSender(KindUser, "u1", stale)
	assert.False(t, removed)
	assert.True(t, r.IsConnected(KindUser, "u1"))

	removed = r.UnregisterSender(KindUser, "u1", fresh)
	assert.True(t, removed)
	assert.False(t, r.IsConnected(KindUser, "u1"))
}

func TestKinds_AreIndependent(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(KindUser, "x", &fakeSender{})
	r.Register(KindAgent, "x", &fakeSender{})

	assert.Equal(t, 1, r.Count(KindUser))
	assert.Equal(t, 1, r.Count(KindAgent))

	r.Unregister(KindUser, "x")
	assert.False(t, r.IsConnected(KindUser, "x"))
	assert.True(t, r.IsConnected(KindAgent, "x"))
}

func TestBroadcast_ReachesAllOfKind(t *testing.T) {
	r := NewRegistry(nil)

	a1 := &fakeSender{}
	a2 := &fakeSender{}
	u1 := &fakeSender{}
	r.Register(KindAgent, "a1", a1)
	r.Register(KindAgent, "a2", a2)
	r.Register(KindUser, "u1", u1)

	r.Broadcast(KindAgent, &Frame{Type: "pending", ConversationID: "conv-1"})

	assert.Len(t, a1.received(), 1)
	assert.Len(t, a2.received(), 1)
	assert.Empty(t, u1.received())
}

func TestBroadcast_ContinuesPastFailedSender(t *testing.T) {
	r := NewRegistry(nil)

	broken := &fakeSender{err: errors.New("gone")}
	healthy := &fakeSender{}
	r.Register(KindAgent, "a1", broken)
	r.Register(KindAgent, "a2", healthy)

	r.Broadcast(KindAgent, &Frame{Type: "pending"})

	assert.Len(t, healthy.received(), 1)
}

func TestList_ReturnsConnectedIDs(t *testing.T) {
	r := NewRegistry(nil)

	r.Register(KindAgent, "a1", &fakeSender{})
	r.Register(KindAgent, "a2", &fakeSender{})

	ids := r.List(KindAgent)
	assert.ElementsMatch(t, []string{"a1", "a2"}, ids)
	assert.Empty(t, r.List(KindUser))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := NewRegistry(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		id := string(rune('a' + i%5))
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := &fakeSender{}
			r.Register(KindUser, id, s)
			_ = r.Send(KindUser, id, &Frame{Message: "hi"})
			r.UnregisterSender(KindUser, id, s)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, r.Count(KindUser), 5)
}
