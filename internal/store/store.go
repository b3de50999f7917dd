// ABOUTME: Store interface and data types for handoff-gateway persistence
// ABOUTME: Defines Conversation, Message, SLARecord and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a compare-and-swap state transition loses a race.
// Losing a race is an expected outcome, not a failure to log loudly.
var ErrConflict = errors.New("state conflict")

// State is the lifecycle state of a conversation.
type State string

const (
	StateBotHandling  State = "bot_handling"
	StatePendingAgent State = "pending_agent"
	StateAssigned     State = "assigned"
	StateClosed       State = "closed"
)

// Valid reports whether s is one of the defined lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateBotHandling, StatePendingAgent, StateAssigned, StateClosed:
		return true
	}
	return false
}

// Sender constants for message authorship.
const (
	SenderUser   = "user"
	SenderBot    = "bot"
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Conversation is a single support conversation and its lifecycle state.
// Conversations are created on first inbound user message and never deleted;
// closed conversations remain queryable for history and audit.
type Conversation struct {
	ID                  string
	State               State
	AssignedAgent       string // set only while State == StateAssigned
	HandoverRequestedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message is a single entry in a conversation's append-only history.
// Immutable once appended; history order is insertion order.
type Message struct {
	ID             string
	ConversationID string
	Sender         string // "user", "bot", "agent", "system"
	Body           string
	CreatedAt      time.Time
}

// SLARecord measures the interval from handover request to first human reply.
type SLARecord struct {
	ID             string
	ConversationID string
	StartedAt      time.Time
	StoppedAt      *time.Time
	ElapsedMS      int64
}

// Store defines the persistence contract for the relay core.
//
// SetState is the only mutation that races: it is a compare-and-swap so that
// two agents claiming the same pending conversation resolve in the store,
// exactly one winning, without callers re-checking-then-acting.
type Store interface {
	// GetConversation returns the conversation or ErrNotFound.
	GetConversation(ctx context.Context, id string) (*Conversation, error)

	// AppendMessage appends msg to its conversation's history, creating the
	// conversation in StateBotHandling if it does not exist. Conversation ids
	// are caller-generated and assumed unique. Returns the post-append
	// conversation.
	AppendMessage(ctx context.Context, msg *Message) (*Conversation, error)

	// ListMessages returns up to limit messages in append order.
	// limit <= 0 means no limit.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// SetState transitions the conversation from the expected state to a new
	// one. Returns ErrConflict when the current state is not the expected one,
	// ErrNotFound when the conversation does not exist. agentID is recorded
	// when to == StateAssigned and cleared otherwise; the handover timestamp
	// is set entering StatePendingAgent and cleared entering StateBotHandling
	// or StateClosed.
	SetState(ctx context.Context, conversationID string, from, to State, agentID string) error

	// ListConversationsByState returns conversation ids in the given state,
	// oldest handover first for StatePendingAgent.
	ListConversationsByState(ctx context.Context, state State) ([]*Conversation, error)

	// ListConversationsByAgent returns conversations currently assigned to
	// the given agent.
	ListConversationsByAgent(ctx context.Context, agentID string) ([]*Conversation, error)

	// CountConversations returns the number of conversations in the given
	// state, or all conversations when state is empty.
	CountConversations(ctx context.Context, state State) (int, error)

	// SaveSLARecord persists a completed or running SLA measurement.
	SaveSLARecord(ctx context.Context, rec *SLARecord) error

	// ListSLARecords returns up to limit records, most recent first.
	ListSLARecords(ctx context.Context, limit int) ([]*SLARecord, error)

	// Close releases any resources held by the store.
	Close() error
}
