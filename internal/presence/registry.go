// ABOUTME: Tracks which users and agents currently have a live connection
// ABOUTME: Register/unregister/send with at-most-one-live-connection-per-actor

package presence

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrNotConnected indicates the target actor has no live connection.
// Callers decide whether to buffer, drop, or escalate; the durable store
// covers history replay on reconnect.
var ErrNotConnected = errors.New("actor not connected")

// ActorKind distinguishes the two sides of the relay.
type ActorKind string

const (
	KindUser  ActorKind = "user"
	KindAgent ActorKind = "agent"
)

// Sender is a live, addressable connection for an actor. Implementations
// must be safe for concurrent use; SendFrame must not block indefinitely.
type Sender interface {
	SendFrame(f *Frame) error
}

// Frame is a JSON wire payload delivered to a connection.
//
// User-facing frames carry Sender and Message. Agent-facing frames carry
// Type ("pending", "claimed", "claim_result", "message", "closed") plus the
// conversation id and, for relayed messages, Sender and Message.
type Frame struct {
	Type           string `json:"type,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Sender         string `json:"sender,omitempty"`
	Message        string `json:"message,omitempty"`
	OK             *bool  `json:"ok,omitempty"`
}

type actorKey struct {
	kind ActorKind
	id   string
}

// Registry is the presence registry: a mutex-guarded map from actor to its
// single live connection. A reconnect replaces the stale entry; the replaced
// connection is handed back so the caller can tear it down explicitly rather
// than leaking it.
type Registry struct {
	mu     sync.RWMutex
	actors map[actorKey]Sender
	logger *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		actors: make(map[actorKey]Sender),
		logger: logger.With("component", "presence"),
	}
}

// Register adds a live connection for the actor, replacing any stale entry.
// Returns the replaced Sender (nil if none) for the caller to close.
func (r *Registry) Register(kind ActorKind, id string, s Sender) Sender {
	key := actorKey{kind, id}

	r.mu.Lock()
	prev := r.actors[key]
	r.actors[key] = s
	total := len(r.actors)
	r.mu.Unlock()

	r.logger.Info("actor connected",
		"kind", kind,
		"actor_id", id,
		"replaced", prev != nil,
		"total", total,
	)
	return prev
}

// Unregister removes the actor's entry regardless of which connection holds it.
func (r *Registry) Unregister(kind ActorKind, id string) {
	key := actorKey{kind, id}

	r.mu.Lock()
	_, existed := r.actors[key]
	delete(r.actors, key)
	r.mu.Unlock()

	if existed {
		r.logger.Info("actor disconnected", "kind", kind, "actor_id", id)
	}
}

// UnregisterSender removes the actor's entry only if s is still the live
// connection. A read loop that lost a reconnect race must not evict the
// replacement connection.
func (r *Registry) UnregisterSender(kind ActorKind, id string, s Sender) bool {
	key := actorKey{kind, id}

	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.actors[key]; ok && current == s {
		delete(r.actors, key)
		return true
	}
	return false
}

// Send delivers a frame to the actor's live connection.
// Returns ErrNotConnected when the actor has no entry.
func (r *Registry) Send(kind ActorKind, id string, f *Frame) error {
	r.mu.RLock()
	s, ok := r.actors[actorKey{kind, id}]
	r.mu.RUnlock()

	if !ok {
		return ErrNotConnected
	}
	return s.SendFrame(f)
}

// Broadcast delivers a frame to every connected actor of the given kind.
// Delivery errors are logged per actor and do not stop the fan-out.
func (r *Registry) Broadcast(kind ActorKind, f *Frame) {
	r.mu.RLock()
	targets := make(map[string]Sender)
	for key, s := range r.actors {
		if key.kind == kind {
			targets[key.id] = s
		}
	}
	r.mu.RUnlock()

	for id, s := range targets {
		if err := s.SendFrame(f); err != nil {
			r.logger.Debug("broadcast delivery failed", "kind", kind, "actor_id", id, "error", err)
		}
	}
}

// Count returns the number of connected actors of the given kind.
func (r *Registry) Count(kind ActorKind) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for key := range r.actors {
		if key.kind == kind {
			n++
		}
	}
	return n
}

// List returns the ids of connected actors of the given kind.
func (r *Registry) List(kind ActorKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for key := range r.actors {
		if key.kind == kind {
			ids = append(ids, key.id)
		}
	}
	return ids
}

// IsConnected reports whether the actor has a live connection.
func (r *Registry) IsConnected(kind ActorKind, id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.actors[actorKey{kind, id}]
	return ok
}
