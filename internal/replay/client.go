// Package replay re-delivers recorded PBX events to the ingest endpoint.
// Ingestion is idempotent, so a file can be replayed any number of times.
package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowpbx/calltrack/internal/ingest"
)

// ingestPath is the ingest endpoint relative to the base URL.
const ingestPath = "/api/v1/ingest/events"

// secretHeader carries the shared ingest secret.
const secretHeader = "X-Ingest-Secret"

// envelope is the standard API response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client posts event batches to a calltrack server.
type Client struct {
	httpClient *http.Client
	baseURL    string
	secret     string
}

// NewClient creates a new ingest client.
// baseURL is the calltrack server (e.g., "http://localhost:8080").
// secret is the shared ingest secret sent with each request.
func NewClient(baseURL, secret string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		secret:     secret,
	}
}

// SendBatch posts one batch and returns the server's batch result.
func (c *Client) SendBatch(ctx context.Context, events []json.RawMessage) (ingest.BatchResult, error) {
	var result ingest.BatchResult

	body, err := json.Marshal(events)
	if err != nil {
		return result, fmt.Errorf("replay: marshalling batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+ingestPath, bytes.NewReader(body))
	if err != nil {
		return result, fmt.Errorf("replay: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(secretHeader, c.secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return result, fmt.Errorf("replay: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return result, fmt.Errorf("replay: reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var env envelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return result, fmt.Errorf("replay: server error (status %d): %s", resp.StatusCode, env.Error)
		}
		return result, fmt.Errorf("replay: server returned status %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return result, fmt.Errorf("replay: decoding response: %w", err)
	}
	if err := json.Unmarshal(env.Data, &result); err != nil {
		return result, fmt.Errorf("replay: decoding batch result: %w", err)
	}

	slog.Debug("batch replayed",
		"events", len(events),
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}
