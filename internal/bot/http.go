// ABOUTME: HTTP-backed bot decider calling an external decision endpoint
// ABOUTME: Posts the user message as JSON and decodes an answer-or-handover reply

package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

type decideRequest struct {
	ConversationID string   `json:"conversation_id"`
	Message        string   `json:"message"`
	History        []string `json:"history,omitempty"`
}

// HTTPDecider consults an external bot service over HTTP. Transient failures
// are retried; a 4xx or exhausted retries surface as an error, which the
// relay treats as a handover signal.
type HTTPDecider struct {
	endpoint string
	client   HTTPClient
	logger   *slog.Logger
}

// NewHTTPDecider creates a decider for the given endpoint. timeout bounds a
// single attempt; maxRetries extra attempts are made on network errors and
// 5xx responses.
func NewHTTPDecider(endpoint string, timeout time.Duration, maxRetries int, logger *slog.Logger) *HTTPDecider {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bot")
	return &HTTPDecider{
		endpoint: endpoint,
		client:   newRetryHTTPClient(timeout, maxRetries, logger),
		logger:   logger,
	}
}

// Decide posts the message to the bot endpoint and returns its decision.
func (d *HTTPDecider) Decide(ctx context.Context, conversationID, message string, history []string) (*Decision, error) {
	body, err := json.Marshal(decideRequest{
		ConversationID: conversationID,
		Message:        message,
		History:        history,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal decide request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build decide request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bot request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bot returned status %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(resp.Body).Decode(&decision); err != nil {
		return nil, fmt.Errorf("decode bot response: %w", err)
	}

	d.logger.Debug("bot decision",
		"conversation_id", conversationID,
		"handover", decision.Handover)
	return &decision, nil
}
