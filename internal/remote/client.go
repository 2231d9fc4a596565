package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"weighline/internal/config"
	"weighline/internal/domain"
)

// ErrNotConfigured is returned when no remote endpoint is set up; the
// drainer treats it like any other delivery failure and retries later.
var ErrNotConfigured = errors.New("remote connection is not configured")

// Client delivers ticket mutations to the remote system of record.
// The remote deduplicates by the Idempotency-Key header, so redelivery
// of an acked entry is a safe no-op on its side.
type Client struct {
	BaseURL    string
	APIKey     string
	Database   string
	Username   string
	HTTPClient *http.Client
}

func New(cfg *config.Config) *Client {
	timeout := cfg.Remote.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		BaseURL:    cfg.Remote.BaseURL,
		APIKey:     cfg.Remote.APIKey,
		Database:   cfg.Remote.Database,
		Username:   cfg.Remote.Username,
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// APIError wraps non-2xx responses from the remote.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("remote error: status=%d body=%s", e.StatusCode, e.Body)
}

type deliveryRequest struct {
	Op     string          `json:"op"`
	Ticket json.RawMessage `json:"ticket"`
}

type deliveryResponse struct {
	ExternalID string `json:"external_id"`
}

// Deliver posts one sync entry. It returns the external reference the
// remote assigned to the ticket, if any.
func (c *Client) Deliver(ctx context.Context, entry domain.SyncEntry) (string, error) {
	if c.BaseURL == "" || c.APIKey == "" {
		return "", ErrNotConfigured
	}
	body, err := json.Marshal(deliveryRequest{Op: entry.Op, Ticket: json.RawMessage(entry.Payload)})
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/api/weighbridge/tickets"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Idempotency-Key", entry.DedupeKey)
	if c.Database != "" {
		req.Header.Set("X-Remote-DB", c.Database)
	}
	if c.Username != "" {
		req.Header.Set("X-Remote-User", c.Username)
	}

	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	data, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &APIError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	var out deliveryResponse
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return "", nil // acked; body not understood, no external id
		}
	}
	return out.ExternalID, nil
}
