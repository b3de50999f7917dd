// ABOUTME: Relay coordinator owning the conversation lifecycle state machine
// ABOUTME: Routes user and agent traffic through bot handling, handover, assignment

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/handoff-gateway/internal/bot"
	"github.com/2389/handoff-gateway/internal/bus"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/sla"
	"github.com/2389/handoff-gateway/internal/store"
)

// System messages shown to customers at lifecycle transitions.
const (
	msgConnecting         = "Connecting you to a human agent..."
	msgAgentJoined        = "Agent joined the chat"
	msgAgentDropped       = "Your agent disconnected. Connecting you to another agent..."
	msgConversationClosed = "This conversation has been closed."
)

// defaultBotTimeout bounds a full bot consultation including retries.
const defaultBotTimeout = 30 * time.Second

// ErrNotAssigned indicates an agent acted on a conversation that is not
// assigned to them.
var ErrNotAssigned = errors.New("conversation not assigned to agent")

// Coordinator drives conversations through their lifecycle. All transitions
// go through the store's compare-and-swap, so concurrent claims, closes, and
// bot decisions resolve to exactly one winner without locking here.
type Coordinator struct {
	store    store.Store
	presence *presence.Registry
	bus      bus.Bus
	sla      *sla.Tracker
	decider  bot.Decider
	logger   *slog.Logger

	botTimeout time.Duration
}

// NewCoordinator wires the relay core together. decider may be nil, in which
// case every bot-handled message becomes a handover.
func NewCoordinator(st store.Store, reg *presence.Registry, b bus.Bus, tracker *sla.Tracker, decider bot.Decider, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:      st,
		presence:   reg,
		bus:        b,
		sla:        tracker,
		decider:    decider,
		logger:     logger.With("component", "relay"),
		botTimeout: defaultBotTimeout,
	}
}

// UserMessage handles an inbound customer message. The message is persisted
// first; what happens next depends on the conversation state:
//
//   - bot_handling: the bot is consulted asynchronously and either answers
//     or the conversation is handed over to the agent queue
//   - pending_agent: the message waits in history for the claiming agent
//   - assigned: the message is relayed to the assigned agent; if the agent
//     connection is gone the conversation is re-queued
//   - closed: the conversation reopens in bot_handling, same id, history
//     intact, and the message is treated as bot-handled
func (c *Coordinator) UserMessage(ctx context.Context, conversationID, body string) error {
	conv, err := c.appendMessage(ctx, conversationID, store.SenderUser, body)
	if err != nil {
		return err
	}

	if conv.State == store.StateClosed {
		if err := c.store.SetState(ctx, conversationID, store.StateClosed, store.StateBotHandling, ""); err != nil && !errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("reopen conversation: %w", err)
		}
		c.logger.Info("conversation reopened", "conversation_id", conversationID)
		conv.State = store.StateBotHandling
	}

	switch conv.State {
	case store.StateBotHandling:
		go c.consultBot(conversationID, body)
	case store.StateAssigned:
		err := c.presence.Send(presence.KindAgent, conv.AssignedAgent, &presence.Frame{
			Type:           "message",
			ConversationID: conversationID,
			Sender:         store.SenderUser,
			Message:        body,
		})
		if errors.Is(err, presence.ErrNotConnected) {
			return c.requeue(ctx, conversationID, conv.AssignedAgent)
		}
		if err != nil {
			c.logger.Warn("relay to agent failed",
				"conversation_id", conversationID,
				"agent_id", conv.AssignedAgent,
				"error", err)
		}
	case store.StatePendingAgent:
		// Waiting for a claim; history carries the message.
	}
	return nil
}

// consultBot asks the decider about a bot-handled message and applies the
// outcome. Runs detached from the inbound request so a slow bot endpoint
// never blocks the user's read loop. A decider failure degrades into a
// handover: the customer waits for a human instead of an answer that will
// never come.
func (c *Coordinator) consultBot(conversationID, body string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.botTimeout)
	defer cancel()

	decision := &bot.Decision{Handover: true}
	if c.decider != nil {
		history, err := c.historyBodies(ctx, conversationID)
		if err != nil {
			c.logger.Error("failed to load history for bot", "conversation_id", conversationID, "error", err)
		}
		d, err := c.decider.Decide(ctx, conversationID, body, history)
		switch {
		case err != nil:
			c.logger.Warn("bot decision failed, degrading to handover",
				"conversation_id", conversationID,
				"error", err)
		case d.Handover:
			// Fall through with the handover decision.
		default:
			decision = d
		}
	}

	if decision.Handover {
		if err := c.handover(ctx, conversationID); err != nil {
			c.logger.Error("handover failed", "conversation_id", conversationID, "error", err)
		}
		return
	}

	// The answer may have outrun a close or handover. The same-state CAS
	// confirms the conversation is still bot-handled before it is applied.
	if err := c.store.SetState(ctx, conversationID, store.StateBotHandling, store.StateBotHandling, ""); err != nil {
		c.logger.Info("bot answer discarded, conversation moved on",
			"conversation_id", conversationID,
			"error", err)
		return
	}

	if _, err := c.appendMessage(ctx, conversationID, store.SenderBot, decision.Answer); err != nil {
		c.logger.Error("failed to persist bot reply", "conversation_id", conversationID, "error", err)
		return
	}
	c.sendToUser(conversationID, store.SenderBot, decision.Answer)
}

// handover moves a bot-handled conversation into the agent queue.
func (c *Coordinator) handover(ctx context.Context, conversationID string) error {
	err := c.store.SetState(ctx, conversationID, store.StateBotHandling, store.StatePendingAgent, "")
	if errors.Is(err, store.ErrConflict) {
		// Already handed over, claimed, or closed by a racing actor.
		return nil
	}
	if err != nil {
		return err
	}

	c.sla.Start(ctx, conversationID)
	c.publish(ctx, bus.TopicPending, conversationID, "")

	if _, err := c.appendMessage(ctx, conversationID, store.SenderSystem, msgConnecting); err != nil {
		return err
	}
	c.sendToUser(conversationID, store.SenderSystem, msgConnecting)

	c.logger.Info("conversation handed over", "conversation_id", conversationID)
	return nil
}

// AgentClaim assigns a pending conversation to the agent. Exactly one of
// several racing claims wins; the others get store.ErrConflict.
func (c *Coordinator) AgentClaim(ctx context.Context, agentID, conversationID string) error {
	if err := c.store.SetState(ctx, conversationID, store.StatePendingAgent, store.StateAssigned, agentID); err != nil {
		return err
	}

	c.publish(ctx, bus.TopicClaimed, conversationID, agentID)

	if _, err := c.appendMessage(ctx, conversationID, store.SenderSystem, msgAgentJoined); err != nil {
		return err
	}
	c.sendToUser(conversationID, store.SenderSystem, msgAgentJoined)

	c.logger.Info("conversation claimed",
		"conversation_id", conversationID,
		"agent_id", agentID)
	return nil
}

// AgentMessage handles an agent reply on an assigned conversation. The first
// reply stops the SLA clock.
func (c *Coordinator) AgentMessage(ctx context.Context, agentID, conversationID, body string) error {
	conv, err := c.store.GetConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.State != store.StateAssigned || conv.AssignedAgent != agentID {
		return ErrNotAssigned
	}

	if _, err := c.appendMessage(ctx, conversationID, store.SenderAgent, body); err != nil {
		return err
	}
	c.sendToUser(conversationID, store.SenderAgent, body)

	if elapsed, err := c.sla.Stop(ctx, conversationID); err == nil {
		c.logger.Info("first agent response",
			"conversation_id", conversationID,
			"agent_id", agentID,
			"wait_ms", elapsed.Milliseconds())
	}
	return nil
}

// AgentDisconnected re-queues every conversation assigned to the agent so
// waiting customers go back to the front of the queue instead of talking to
// a dead socket.
func (c *Coordinator) AgentDisconnected(ctx context.Context, agentID string) {
	convs, err := c.store.ListConversationsByAgent(ctx, agentID)
	if err != nil {
		c.logger.Error("failed to list conversations for disconnected agent",
			"agent_id", agentID,
			"error", err)
		return
	}
	for _, conv := range convs {
		if err := c.requeue(ctx, conv.ID, agentID); err != nil {
			c.logger.Error("failed to re-queue conversation",
				"conversation_id", conv.ID,
				"agent_id", agentID,
				"error", err)
		}
	}
}

// requeue returns an assigned conversation to the agent queue and restarts
// the wait clock.
func (c *Coordinator) requeue(ctx context.Context, conversationID, agentID string) error {
	err := c.store.SetState(ctx, conversationID, store.StateAssigned, store.StatePendingAgent, "")
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	c.sla.Start(ctx, conversationID)
	c.publish(ctx, bus.TopicPending, conversationID, "")

	if _, err := c.appendMessage(ctx, conversationID, store.SenderSystem, msgAgentDropped); err != nil {
		return err
	}
	c.sendToUser(conversationID, store.SenderSystem, msgAgentDropped)

	c.logger.Info("conversation re-queued",
		"conversation_id", conversationID,
		"previous_agent", agentID)
	return nil
}

// CloseConversation ends the conversation from whatever state it is in.
// Closing an already closed conversation is a no-op.
func (c *Coordinator) CloseConversation(ctx context.Context, conversationID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		conv, err := c.store.GetConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if conv.State == store.StateClosed {
			return nil
		}

		err = c.store.SetState(ctx, conversationID, conv.State, store.StateClosed, "")
		if errors.Is(err, store.ErrConflict) {
			continue // state moved under us, re-read and retry
		}
		if err != nil {
			return err
		}

		c.sla.Discard(conversationID)
		c.publish(ctx, bus.TopicClosed, conversationID, conv.AssignedAgent)

		if _, err := c.appendMessage(ctx, conversationID, store.SenderSystem, msgConversationClosed); err != nil {
			return err
		}
		c.sendToUser(conversationID, store.SenderSystem, msgConversationClosed)
		if conv.AssignedAgent != "" {
			_ = c.presence.Send(presence.KindAgent, conv.AssignedAgent, &presence.Frame{
				Type:           "closed",
				ConversationID: conversationID,
			})
		}

		c.logger.Info("conversation closed", "conversation_id", conversationID)
		return nil
	}
	return fmt.Errorf("close conversation %s: %w", conversationID, store.ErrConflict)
}

// History returns the conversation's messages in append order for replay on
// reconnect.
func (c *Coordinator) History(ctx context.Context, conversationID string) ([]*store.Message, error) {
	return c.store.ListMessages(ctx, conversationID, 0)
}

// PendingConversations returns the backlog of conversations waiting for an
// agent, oldest handover first.
func (c *Coordinator) PendingConversations(ctx context.Context) ([]*store.Conversation, error) {
	return c.store.ListConversationsByState(ctx, store.StatePendingAgent)
}

// Snapshot summarizes relay state for the health and stats surfaces.
type Snapshot struct {
	Conversations   map[store.State]int `json:"conversations"`
	ConnectedUsers  int                 `json:"connected_users"`
	ConnectedAgents int                 `json:"connected_agents"`
	ActiveWaits     int                 `json:"active_waits"`
}

// Snapshot reports conversation counts per state plus live connection counts.
func (c *Coordinator) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Conversations:   make(map[store.State]int),
		ConnectedUsers:  c.presence.Count(presence.KindUser),
		ConnectedAgents: c.presence.Count(presence.KindAgent),
		ActiveWaits:     c.sla.ActiveCount(),
	}
	for _, state := range []store.State{store.StateBotHandling, store.StatePendingAgent, store.StateAssigned, store.StateClosed} {
		n, err := c.store.CountConversations(ctx, state)
		if err != nil {
			return nil, err
		}
		snap.Conversations[state] = n
	}
	return snap, nil
}

func (c *Coordinator) appendMessage(ctx context.Context, conversationID, sender, body string) (*store.Conversation, error) {
	return c.store.AppendMessage(ctx, &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
	})
}

func (c *Coordinator) historyBodies(ctx context.Context, conversationID string) ([]string, error) {
	messages, err := c.store.ListMessages(ctx, conversationID, 0)
	if err != nil {
		return nil, err
	}
	bodies := make([]string, 0, len(messages))
	for _, m := range messages {
		bodies = append(bodies, m.Body)
	}
	return bodies, nil
}

func (c *Coordinator) sendToUser(conversationID, sender, body string) {
	err := c.presence.Send(presence.KindUser, conversationID, &presence.Frame{
		Sender:  sender,
		Message: body,
	})
	if err != nil && !errors.Is(err, presence.ErrNotConnected) {
		c.logger.Warn("send to user failed", "conversation_id", conversationID, "error", err)
	}
}

func (c *Coordinator) publish(ctx context.Context, topic, conversationID, agentID string) {
	event := &bus.Event{
		ID:             uuid.New().String(),
		Type:           topic,
		ConversationID: conversationID,
		AgentID:        agentID,
		Timestamp:      time.Now().UTC(),
	}
	if err := c.bus.Publish(ctx, topic, event); err != nil {
		c.logger.Warn("event publish failed", "topic", topic, "conversation_id", conversationID, "error", err)
	}
}
