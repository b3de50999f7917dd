// Package presence tracks live user and agent connections.
//
// # Overview
//
// The registry maps each actor (a user or an agent, identified by id) to at
// most one live connection. Connections register on websocket accept and
// unregister when their read loop exits. A reconnect replaces the previous
// entry and the replaced connection is returned to the caller for teardown,
// so a slow-dying old socket can never shadow a fresh one.
//
// # Delivery Semantics
//
// Send is best-effort to whatever connection is currently registered. When no
// connection exists it returns ErrNotConnected and the caller decides what to
// do; the durable store keeps full history, so a reconnecting actor replays
// what it missed rather than relying on buffered delivery here.
package presence
