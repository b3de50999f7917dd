// ABOUTME: End-to-end tests for the gateway HTTP and websocket surface
// ABOUTME: Exercises handover, claim, relay, health, stats, and metrics

package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/handoff-gateway/internal/config"
	"github.com/2389/handoff-gateway/internal/presence"
	"github.com/2389/handoff-gateway/internal/store"
)

func newTestGateway(t *testing.T) (*Gateway, *httptest.Server) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = ":memory:"
	cfg.Booking.Path = ":memory:"
	cfg.Booking.Seed = true
	cfg.Bus.Backend = "memory"
	cfg.Bot.Timeout = 2 * time.Second
	cfg.Metrics.Enabled = true
	cfg.Metrics.Path = "/metrics"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw, err := New(cfg, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(gw.httpServer.Handler)
	t.Cleanup(func() {
		srv.Close()
		_ = gw.bus.Close()
		_ = gw.booking.Close()
		_ = gw.store.Close()
	})
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFrame reads frames until one satisfies the predicate.
func waitFrame(t *testing.T, conn *websocket.Conn, what string, match func(*presence.Frame) bool) *presence.Frame {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	require.NoError(t, conn.SetReadDeadline(deadline))
	for {
		var f presence.Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(&f) {
			return &f
		}
	}
}

func TestUserSocket_InitAndBotAnswer(t *testing.T) {
	_, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat")

	init := waitFrame(t, conn, "init frame", func(f *presence.Frame) bool {
		return f.Type == "init"
	})
	assert.NotEmpty(t, init.ConversationID)

	require.NoError(t, conn.WriteJSON(&presence.Frame{Message: "what is the price?"}))

	reply := waitFrame(t, conn, "bot reply", func(f *presence.Frame) bool {
		return f.Sender == store.SenderBot
	})
	assert.Contains(t, reply.Message, "2,499")
}

func TestUserSocket_ReconnectReplaysHistory(t *testing.T) {
	_, srv := newTestGateway(t)

	conn := dialWS(t, srv, "/ws/chat")
	init := waitFrame(t, conn, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	require.NoError(t, conn.WriteJSON(&presence.Frame{Message: "what is the price?"}))
	waitFrame(t, conn, "bot reply", func(f *presence.Frame) bool { return f.Sender == store.SenderBot })
	conn.Close()

	reconn := dialWS(t, srv, "/ws/chat?conversation_id="+init.ConversationID)
	waitFrame(t, reconn, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	replayed := waitFrame(t, reconn, "replayed user message", func(f *presence.Frame) bool {
		return f.Sender == store.SenderUser
	})
	assert.Equal(t, "what is the price?", replayed.Message)
	waitFrame(t, reconn, "replayed bot reply", func(f *presence.Frame) bool {
		return f.Sender == store.SenderBot
	})
}

func TestWSConnBuffersLiveFramesDuringReplay(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := newWSConn(conn, logger)
		c.beginReplay()
		// A frame delivered mid-replay must wait behind the history.
		_ = c.SendFrame(&presence.Frame{Sender: store.SenderBot, Message: "live"})
		_ = c.sendNow(&presence.Frame{Sender: store.SenderUser, Message: "history-1"})
		_ = c.sendNow(&presence.Frame{Sender: store.SenderBot, Message: "history-2"})
		_ = c.endReplay()
	}))
	defer srv.Close()

	conn := dialWS(t, srv, "")

	var got []string
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(got) < 3 {
		var f presence.Frame
		require.NoError(t, conn.ReadJSON(&f))
		got = append(got, f.Message)
	}
	assert.Equal(t, []string{"history-1", "history-2", "live"}, got)
}

func TestHandoverClaimAndRelay(t *testing.T) {
	_, srv := newTestGateway(t)

	user := dialWS(t, srv, "/ws/chat")
	init := waitFrame(t, user, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	convID := init.ConversationID

	// Not covered by any booking rule, so the bot hands over.
	require.NoError(t, user.WriteJSON(&presence.Frame{Message: "I want to dispute a charge"}))
	waitFrame(t, user, "handover notice", func(f *presence.Frame) bool {
		return f.Sender == store.SenderSystem && strings.Contains(f.Message, "human agent")
	})

	// Agent connects after the handover and gets the backlog from the store.
	agent := dialWS(t, srv, "/ws/agent?agent_id=agent-1")
	waitFrame(t, agent, "pending backlog", func(f *presence.Frame) bool {
		return f.Type == "pending" && f.ConversationID == convID
	})

	require.NoError(t, agent.WriteJSON(&presence.Frame{Type: "claim", ConversationID: convID}))
	result := waitFrame(t, agent, "claim result", func(f *presence.Frame) bool {
		return f.Type == "claim_result" && f.ConversationID == convID
	})
	require.NotNil(t, result.OK)
	assert.True(t, *result.OK)

	// Claim hands the agent the conversation history.
	waitFrame(t, agent, "history replay", func(f *presence.Frame) bool {
		return f.Type == "message" && f.Sender == store.SenderUser
	})

	waitFrame(t, user, "agent joined notice", func(f *presence.Frame) bool {
		return f.Sender == store.SenderSystem && f.Message == "Agent joined the chat"
	})

	require.NoError(t, agent.WriteJSON(&presence.Frame{Type: "reply", ConversationID: convID, Message: "how can I help?"}))
	waitFrame(t, user, "agent reply", func(f *presence.Frame) bool {
		return f.Sender == store.SenderAgent && f.Message == "how can I help?"
	})

	require.NoError(t, user.WriteJSON(&presence.Frame{Message: "my card was charged twice"}))
	waitFrame(t, agent, "relayed user message", func(f *presence.Frame) bool {
		return f.Type == "message" && f.Message == "my card was charged twice"
	})
}

func TestAgentMessageFrameAliasesReply(t *testing.T) {
	_, srv := newTestGateway(t)

	user := dialWS(t, srv, "/ws/chat")
	init := waitFrame(t, user, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	convID := init.ConversationID

	require.NoError(t, user.WriteJSON(&presence.Frame{Message: "get me a human"}))
	waitFrame(t, user, "handover notice", func(f *presence.Frame) bool {
		return f.Sender == store.SenderSystem
	})

	agent := dialWS(t, srv, "/ws/agent?agent_id=agent-1")
	waitFrame(t, agent, "pending backlog", func(f *presence.Frame) bool { return f.Type == "pending" })
	require.NoError(t, agent.WriteJSON(&presence.Frame{Type: "claim", ConversationID: convID}))
	waitFrame(t, agent, "claim result", func(f *presence.Frame) bool { return f.Type == "claim_result" })

	require.NoError(t, agent.WriteJSON(&presence.Frame{Type: "message", ConversationID: convID, Message: "still here"}))
	waitFrame(t, user, "aliased agent reply", func(f *presence.Frame) bool {
		return f.Sender == store.SenderAgent && f.Message == "still here"
	})
}

func TestSecondClaimLoses(t *testing.T) {
	_, srv := newTestGateway(t)

	user := dialWS(t, srv, "/ws/chat")
	init := waitFrame(t, user, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	convID := init.ConversationID

	require.NoError(t, user.WriteJSON(&presence.Frame{Message: "something unrecognizable"}))
	waitFrame(t, user, "handover notice", func(f *presence.Frame) bool {
		return f.Sender == store.SenderSystem
	})

	first := dialWS(t, srv, "/ws/agent?agent_id=agent-1")
	second := dialWS(t, srv, "/ws/agent?agent_id=agent-2")

	waitFrame(t, first, "pending backlog", func(f *presence.Frame) bool { return f.Type == "pending" })
	waitFrame(t, second, "pending backlog", func(f *presence.Frame) bool { return f.Type == "pending" })

	require.NoError(t, first.WriteJSON(&presence.Frame{Type: "claim", ConversationID: convID}))
	r1 := waitFrame(t, first, "claim result", func(f *presence.Frame) bool { return f.Type == "claim_result" })
	require.NotNil(t, r1.OK)
	require.True(t, *r1.OK)

	require.NoError(t, second.WriteJSON(&presence.Frame{Type: "claim", ConversationID: convID}))
	r2 := waitFrame(t, second, "claim result", func(f *presence.Frame) bool { return f.Type == "claim_result" })
	require.NotNil(t, r2.OK)
	assert.False(t, *r2.OK)
}

func TestAgentDisconnectRequeues(t *testing.T) {
	gw, srv := newTestGateway(t)

	user := dialWS(t, srv, "/ws/chat")
	init := waitFrame(t, user, "init frame", func(f *presence.Frame) bool { return f.Type == "init" })
	convID := init.ConversationID

	require.NoError(t, user.WriteJSON(&presence.Frame{Message: "let me talk to someone"}))
	waitFrame(t, user, "handover notice", func(f *presence.Frame) bool { return f.Sender == store.SenderSystem })

	agent := dialWS(t, srv, "/ws/agent?agent_id=agent-1")
	waitFrame(t, agent, "pending backlog", func(f *presence.Frame) bool { return f.Type == "pending" })
	require.NoError(t, agent.WriteJSON(&presence.Frame{Type: "claim", ConversationID: convID}))
	waitFrame(t, agent, "claim result", func(f *presence.Frame) bool { return f.Type == "claim_result" })

	agent.Close()

	require.Eventually(t, func() bool {
		conv, err := gw.store.GetConversation(context.Background(), convID)
		return err == nil && conv.State == store.StatePendingAgent
	}, 5*time.Second, 20*time.Millisecond, "conversation was not re-queued")

	waitFrame(t, user, "requeue notice", func(f *presence.Frame) bool {
		return f.Sender == store.SenderSystem && strings.Contains(f.Message, "disconnected")
	})
}

func TestAgentSocket_RequiresAgentID(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/ws/agent")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status          string         `json:"status"`
		ServerID        string         `json:"server_id"`
		Conversations   map[string]int `json:"conversations"`
		ConnectedUsers  int            `json:"connected_users"`
		ConnectedAgents int            `json:"connected_agents"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Contains(t, body.ServerID, "handoff-gateway-")
	assert.Contains(t, body.Conversations, string(store.StatePendingAgent))
}

func TestReadyEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	dialWS(t, srv, "/ws/agent?agent_id=agent-1")

	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/health/ready")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStatsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body statsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotNil(t, body.Bookings)
	assert.Equal(t, 3, body.Bookings.Resorts)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestGateway(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "handoff_ws_user_connections")
}
