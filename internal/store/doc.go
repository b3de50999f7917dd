// Package store provides durable persistence for the relay core using SQLite.
//
// # Overview
//
// The store is the single source of truth for conversations, their append-only
// message history, and SLA measurements. Live connections and the event bus are
// only liveness signals on top of it: anything a reconnecting user or agent
// needs can be recovered from here.
//
// # Data Models
//
//   - Conversation: lifecycle state (bot_handling, pending_agent, assigned,
//     closed), optional assigned agent, handover timestamp
//   - Message: immutable history entry; append order is delivery order
//   - SLARecord: handover-request to first-human-reply interval
//
// # Compare-and-swap Transitions
//
// SetState is a CAS: the UPDATE carries the expected current state in its
// WHERE clause, so racing transitions (two agents claiming the same pending
// conversation, a bot decision landing on a concurrently closed conversation)
// are resolved by the database. Exactly one caller wins; the rest get
// ErrConflict, which is an expected outcome.
//
// # SQLite Configuration
//
// SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests.
package store
