// ABOUTME: Bot decider contract used by the relay for bot-handled conversations
// ABOUTME: A decision either answers the user or requests a human handover

package bot

import "context"

// Decision is the outcome of consulting the bot about a user message.
// Exactly one of the two outcomes applies: when Handover is true the Answer
// is ignored and the conversation moves to the agent queue.
type Decision struct {
	Answer   string `json:"answer"`
	Handover bool   `json:"handover"`
}

// Decider produces a Decision for an inbound user message. The history slice
// holds prior message bodies, oldest first, for deciders that want context.
//
// A Decider error means the bot could not be consulted at all; the relay
// degrades that into a handover rather than leaving the user unanswered.
type Decider interface {
	Decide(ctx context.Context, conversationID, message string, history []string) (*Decision, error)
}
