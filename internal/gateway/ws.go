// ABOUTME: Websocket endpoints for customers and agents
// ABOUTME: Read/write pumps with ping keepalive, history replay, event forwarding

package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/handoff-gateway/internal/bus"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/store"
)

const (
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 512 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn is a live websocket connection implementing presence.Sender.
// Writes are serialized through the mutex; gorilla allows at most one
// concurrent writer per connection.
type wsConn struct {
	conn     *websocket.Conn
	logger   *slog.Logger
	done     chan struct{}
	mu       sync.Mutex
	isClosed bool

	// While replaying history, live frames queue up in backlog so nothing
	// delivered mid-replay is lost or reordered ahead of older messages.
	replaying bool
	backlog   []*presence.Frame
}

func newWSConn(conn *websocket.Conn, logger *slog.Logger) *wsConn {
	c := &wsConn{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.keepAlive()
	return c
}

// SendFrame writes a frame as JSON with a bounded write deadline. During a
// history replay the frame is buffered and flushed by endReplay.
func (c *wsConn) SendFrame(f *presence.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return presence.ErrNotConnected
	}
	if c.replaying {
		c.backlog = append(c.backlog, f)
		return nil
	}
	return c.writeFrame(f)
}

// sendNow writes a frame immediately, bypassing the replay gate. Used for
// the init frame and for the replayed history itself.
func (c *wsConn) sendNow(f *presence.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return presence.ErrNotConnected
	}
	return c.writeFrame(f)
}

// writeFrame performs the actual write. Callers must hold c.mu.
func (c *wsConn) writeFrame(f *presence.Frame) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// beginReplay diverts SendFrame into the backlog until endReplay runs.
func (c *wsConn) beginReplay() {
	c.mu.Lock()
	c.replaying = true
	c.mu.Unlock()
}

// endReplay flushes frames that arrived mid-replay and resumes direct writes.
func (c *wsConn) endReplay() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaying = false
	backlog := c.backlog
	c.backlog = nil
	if c.isClosed {
		return presence.ErrNotConnected
	}
	for _, f := range backlog {
		if err := c.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// close shuts the connection down once; safe to call from any goroutine.
func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed {
		return
	}
	c.isClosed = true
	close(c.done)
	_ = c.conn.Close()
}

func (c *wsConn) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.isClosed {
				c.mu.Unlock()
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()

			if err != nil {
				c.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// closeIfWS tears down a replaced presence entry.
func closeIfWS(s presence.Sender) {
	if c, ok := s.(*wsConn); ok && c != nil {
		c.close()
	}
}

// handleUserSocket serves the customer websocket at /ws/chat.
//
// The conversation id comes from the conversation_id query parameter; a new
// one is minted when absent. The connection starts with an init frame and a
// full history replay, then relays inbound messages into the coordinator.
func (g *Gateway) handleUserSocket(w http.ResponseWriter, r *http.Request) {
	conversationID := r.URL.Query().Get("conversation_id")
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := newWSConn(conn, g.logger.With("conversation_id", conversationID))

	defer func() {
		g.presence.UnregisterSender(presence.KindUser, conversationID, c)
		c.close()
	}()

	if err := c.sendNow(&presence.Frame{Type: "init", ConversationID: conversationID}); err != nil {
		return
	}

	// Register before reading history so a message landing mid-replay (a bot
	// answer, say) is buffered behind the gate instead of lost; the replay
	// then goes out first and the buffered frames follow.
	c.beginReplay()
	closeIfWS(g.presence.Register(presence.KindUser, conversationID, c))

	history, err := g.coordinator.History(r.Context(), conversationID)
	if err != nil {
		g.logger.Error("history replay failed", "conversation_id", conversationID, "error", err)
	}
	for _, msg := range history {
		if err := c.sendNow(&presence.Frame{Sender: msg.Sender, Message: msg.Body}); err != nil {
			return
		}
	}
	if err := c.endReplay(); err != nil {
		return
	}

	for {
		var f presence.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Debug("user read loop ended", "conversation_id", conversationID, "error", err)
			}
			return
		}

		switch f.Type {
		case "close":
			if err := g.coordinator.CloseConversation(r.Context(), conversationID); err != nil {
				g.logger.Warn("close failed", "conversation_id", conversationID, "error", err)
			}
		default:
			if f.Message == "" {
				continue
			}
			g.metrics.messages.WithLabelValues("user").Inc()
			if err := g.coordinator.UserMessage(r.Context(), conversationID, f.Message); err != nil {
				g.logger.Error("user message failed", "conversation_id", conversationID, "error", err)
				_ = c.SendFrame(&presence.Frame{Sender: store.SenderSystem, Message: "Something went wrong. Please try again."})
			}
		}
	}
}

// handleAgentSocket serves the agent websocket at /ws/agent.
//
// Agents identify with the agent_id query parameter. On connect they receive
// the pending backlog from the store, then live lifecycle events from the
// bus. Inbound frames are claims, replies, and closes.
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := newWSConn(conn, g.logger.With("agent_id", agentID))
	closeIfWS(g.presence.Register(presence.KindAgent, agentID, c))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g.forwardEvents(ctx, c)

	// The bus only carries changes; the backlog that accumulated before this
	// agent connected comes from the store.
	pending, err := g.coordinator.PendingConversations(ctx)
	if err != nil {
		g.logger.Error("pending backlog load failed", "agent_id", agentID, "error", err)
	}
	for _, conv := range pending {
		if err := c.SendFrame(&presence.Frame{Type: "pending", ConversationID: conv.ID}); err != nil {
			break
		}
	}

	defer func() {
		if g.presence.UnregisterSender(presence.KindAgent, agentID, c) {
			// Only re-queue when this was the live connection; a reconnect
			// already replaced us and keeps the assignments.
			g.coordinator.AgentDisconnected(context.Background(), agentID)
		}
		c.close()
	}()

	for {
		var f presence.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				g.logger.Debug("agent read loop ended", "agent_id", agentID, "error", err)
			}
			return
		}
		g.handleAgentFrame(ctx, c, agentID, &f)
	}
}

// handleAgentFrame dispatches one inbound agent frame.
func (g *Gateway) handleAgentFrame(ctx context.Context, c *wsConn, agentID string, f *presence.Frame) {
	switch f.Type {
	case "claim":
		err := g.coordinator.AgentClaim(ctx, agentID, f.ConversationID)
		ok := err == nil
		if err != nil {
			g.logger.Info("claim rejected", "agent_id", agentID, "conversation_id", f.ConversationID, "error", err)
		}
		_ = c.SendFrame(&presence.Frame{
			Type:           "claim_result",
			ConversationID: f.ConversationID,
			OK:             &ok,
		})
		if ok {
			// Hand the claimer the history so they see what the customer
			// and bot already said.
			history, err := g.coordinator.History(ctx, f.ConversationID)
			if err != nil {
				g.logger.Error("claim history load failed", "conversation_id", f.ConversationID, "error", err)
				return
			}
			for _, msg := range history {
				if err := c.SendFrame(&presence.Frame{
					Type:           "message",
					ConversationID: f.ConversationID,
					Sender:         msg.Sender,
					Message:        msg.Body,
				}); err != nil {
					return
				}
			}
		}

	case "reply", "message":
		// "message" is accepted as an alias for "reply".
		g.metrics.messages.WithLabelValues("agent").Inc()
		if err := g.coordinator.AgentMessage(ctx, agentID, f.ConversationID, f.Message); err != nil {
			g.logger.Warn("agent message rejected", "agent_id", agentID, "conversation_id", f.ConversationID, "error", err)
			_ = c.SendFrame(&presence.Frame{
				Type:           "error",
				ConversationID: f.ConversationID,
				Message:        err.Error(),
			})
		}

	case "close":
		if err := g.coordinator.CloseConversation(ctx, f.ConversationID); err != nil {
			g.logger.Warn("close failed", "agent_id", agentID, "conversation_id", f.ConversationID, "error", err)
		}

	default:
		g.logger.Debug("unknown agent frame", "agent_id", agentID, "type", f.Type)
	}
}

// forwardEvents subscribes the connection to lifecycle topics and pumps
// events out as frames until ctx is cancelled.
func (g *Gateway) forwardEvents(ctx context.Context, c *wsConn) {
	for _, topic := range []string{bus.TopicPending, bus.TopicClaimed, bus.TopicClosed} {
		events, _, err := g.bus.Subscribe(ctx, topic)
		if err != nil {
			g.logger.Error("bus subscribe failed", "topic", topic, "error", err)
			continue
		}
		frameType := strings.TrimPrefix(topic, "conversation.")
		go func(topic string) {
			for event := range events {
				g.metrics.events.WithLabelValues(topic).Inc()
				if err := c.SendFrame(&presence.Frame{
					Type:           frameType,
					ConversationID: event.ConversationID,
				}); err != nil {
					return
				}
			}
		}(topic)
	}
}
