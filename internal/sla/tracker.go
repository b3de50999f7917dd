// ABOUTME: Response-time tracker for handover-to-first-human-reply intervals
// ABOUTME: Idempotent start per conversation, stop yields elapsed duration

package sla

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/store"
)

// ErrNotRunning indicates Stop or elapsed was requested for a conversation
// with no active measurement.
var ErrNotRunning = errors.New("no active measurement")

type measurement struct {
	recordID  string
	startedAt time.Time
}

// Tracker measures how long a customer waits between requesting a human and
// receiving the first agent reply. One measurement per conversation at a
// time; Start while one is running is a no-op so retried handover requests
// cannot reset the clock.
type Tracker struct {
	mu     sync.Mutex
	active map[string]*measurement

	store  store.Store // nil disables persistence
	logger *slog.Logger
	now    func() time.Time
}

// NewTracker creates a tracker. st may be nil to keep measurements in memory
// only. Pass nil logger for default.
func NewTracker(st store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		active: make(map[string]*measurement),
		store:  st,
		logger: logger.With("component", "sla"),
		now:    time.Now,
	}
}

// Start begins a measurement for the conversation. Returns false when a
// measurement is already running, leaving the original start time intact.
func (t *Tracker) Start(ctx context.Context, conversationID string) bool {
	t.mu.Lock()
	if _, running := t.active[conversationID]; running {
		t.mu.Unlock()
		return false
	}
	m := &measurement{
		recordID:  uuid.New().String(),
		startedAt: t.now().UTC(),
	}
	t.active[conversationID] = m
	t.mu.Unlock()

	t.logger.Info("sla measurement started", "conversation_id", conversationID)
	t.persist(ctx, conversationID, m, nil)
	return true
}

// Stop ends the measurement and returns the elapsed duration.
// Returns ErrNotRunning when no measurement is active.
func (t *Tracker) Stop(ctx context.Context, conversationID string) (time.Duration, error) {
	t.mu.Lock()
	m, running := t.active[conversationID]
	if !running {
		t.mu.Unlock()
		return 0, ErrNotRunning
	}
	delete(t.active, conversationID)
	t.mu.Unlock()

	stoppedAt := t.now().UTC()
	elapsed := stoppedAt.Sub(m.startedAt)

	t.logger.Info("sla measurement stopped",
		"conversation_id", conversationID,
		"elapsed_ms", elapsed.Milliseconds())
	t.persist(ctx, conversationID, m, &stoppedAt)
	return elapsed, nil
}

// Discard drops an active measurement without recording a stop. Used when a
// conversation is closed while still waiting for an agent.
func (t *Tracker) Discard(conversationID string) {
	t.mu.Lock()
	_, running := t.active[conversationID]
	delete(t.active, conversationID)
	t.mu.Unlock()

	if running {
		t.logger.Info("sla measurement discarded", "conversation_id", conversationID)
	}
}

// Running reports whether a measurement is active for the conversation.
func (t *Tracker) Running(conversationID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, running := t.active[conversationID]
	return running
}

// ActiveCount returns the number of measurements currently running.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// persist writes the measurement to the store. A persistence failure is
// logged but does not affect the in-memory measurement.
func (t *Tracker) persist(ctx context.Context, conversationID string, m *measurement, stoppedAt *time.Time) {
	if t.store == nil {
		return
	}
	rec := &store.SLARecord{
		ID:             m.recordID,
		ConversationID: conversationID,
		StartedAt:      m.startedAt,
		StoppedAt:      stoppedAt,
	}
	if stoppedAt != nil {
		rec.ElapsedMS = stoppedAt.Sub(m.startedAt).Milliseconds()
	}
	if err := t.store.SaveSLARecord(ctx, rec); err != nil {
		t.logger.Error("failed to persist sla record",
			"conversation_id", conversationID,
			"error", err)
	}
}
