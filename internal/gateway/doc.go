// Package gateway assembles the relay into a runnable server.
//
// # Overview
//
// The gateway owns process lifecycle: it builds the store, booking service,
// event bus, presence registry, SLA tracker, and relay coordinator from
// configuration, then serves them over one HTTP listener (plain TCP or a
// tsnet node on a tailnet).
//
// # Endpoints
//
//   - /ws/chat: customer websocket; init frame, history replay, then live relay
//   - /ws/agent: agent websocket; pending backlog, lifecycle events, claims
//   - /health: JSON snapshot of conversation and connection counts
//   - /health/ready: 200 once at least one agent is connected
//   - /api/stats: SLA aggregates and booking database counts
//   - /metrics: Prometheus collectors (when enabled)
//
// # Wire Format
//
// Both websockets speak JSON frames (presence.Frame). Customers send
// {"message": "..."} and optionally {"type": "close"}; they receive
// {"sender", "message"} plus an initial {"type": "init", "conversation_id"}.
// Agents send {"type": "claim"|"reply"|"close", "conversation_id",
// "message"} ("message" is accepted as an alias for "reply") and receive
// lifecycle frames ("pending", "claimed", "closed"), relayed messages, and
// {"type": "claim_result", "ok"} responses.
package gateway
