// Package relay coordinates the handover of conversations from bot to human.
//
// # Lifecycle
//
// A conversation moves through four states:
//
//	bot_handling -> pending_agent -> assigned -> closed
//
// The bot answers while it can; when it cannot (or fails outright), the
// conversation enters the agent queue, the wait clock starts, and connected
// agents are notified through the event bus. A claim assigns the
// conversation to exactly one agent. An agent disconnect re-queues their
// conversations; a close from any state ends the conversation, and a user
// message on a closed conversation reopens it in bot_handling with history
// intact.
//
// # Concurrency
//
// The coordinator holds no lifecycle locks. Every transition is a
// compare-and-swap in the store, so racing claims, closes, and bot decisions
// settle there with exactly one winner. Bot consultations run on their own
// goroutine with a bounded timeout so slow deciders never stall a read loop.
package relay
