// Package bus provides topic-based pub/sub for conversation lifecycle events.
//
// # Overview
//
// The relay core announces handover requests, claims, and closes on the bus
// so that connected agent dashboards learn about them without polling. Three
// backends implement the same Bus contract:
//
//   - MemoryBus: in-process fan-out, the default for single-instance runs
//   - RedisBus: Redis pub/sub channels, one channel per topic
//   - AMQPBus: RabbitMQ topic exchange with an exclusive queue per instance
//
// # Delivery Semantics
//
// Events are liveness signals, not the source of truth. Per-subscriber
// queues are bounded (64 events) and overflow drops the event for that
// subscriber only; there is no replay. A subscriber that needs a complete
// picture reads current state from the store on connect, then follows the
// bus for changes.
package bus
