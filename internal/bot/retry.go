// ABOUTME: HTTP client wrapper with exponential backoff and jitter
// ABOUTME: Retries network errors and 5xx responses, respects context cancellation

package bot

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// retryHTTPClient wraps an HTTP client with retry logic.
type retryHTTPClient struct {
	client     *http.Client
	logger     *slog.Logger
	maxRetries int
	baseDelay  time.Duration
}

func newRetryHTTPClient(timeout time.Duration, maxRetries int, logger *slog.Logger) HTTPClient {
	return &retryHTTPClient{
		client:     &http.Client{Timeout: timeout},
		logger:     logger,
		maxRetries: maxRetries,
		baseDelay:  100 * time.Millisecond,
	}
}

// Do executes the HTTP request, retrying network errors and 5xx responses
// with exponential backoff. 4xx responses are returned to the caller as-is.
func (c *retryHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if req.Context().Err() != nil {
		return nil, fmt.Errorf("context cancelled: %w", req.Context().Err())
	}

	// Read request body into memory so it can be replayed on retries
	var bodyBytes []byte
	if req.Body != nil {
		var err error
		bodyBytes, err = io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}

	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt-1, c.baseDelay)
			c.logger.Debug("retrying request",
				"url", req.URL.String(),
				"attempt", attempt+1,
				"delay", delay)

			select {
			case <-req.Context().Done():
				return nil, fmt.Errorf("context cancelled: %w", req.Context().Err())
			case <-time.After(delay):
			}
		}

		retryReq := req.Clone(req.Context())
		if bodyBytes != nil {
			retryReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
		}

		resp, err := c.client.Do(retryReq)
		if err != nil {
			lastErr = err
			continue
		}

		if !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		// Drain so the connection can be reused for the retry
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("retryable status %d", resp.StatusCode)
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

// retryableStatus reports whether the status code should trigger a retry.
// 5xx server errors are retryable, 4xx client errors are not.
func retryableStatus(code int) bool {
	return code >= 500 && code < 600
}

// backoffDelay calculates the delay for the given attempt with jitter.
func backoffDelay(attempt int, baseDelay time.Duration) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * baseDelay
	jitter := time.Duration(rand.Float64() * 0.25 * float64(delay))
	return delay + jitter
}
