// Package destination implements the delivery sink for dispatch units: an
// HTTP chat-API client, and an in-memory sink used by tests and when no
// endpoint is configured.
package destination

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
)

// Config controls the HTTP destination client.
type Config struct {
	// BaseURL of the chat API, e.g. "https://chat.example.com/api".
	BaseURL string
	// Token is sent as a bearer credential when non-empty.
	Token      string
	Timeout    time.Duration
	RetryCount int
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:    10 * time.Second,
		RetryCount: 2,
	}
}

// postRequest is the wire form for creating a unit.
type postRequest struct {
	Channel string `json:"channel"`
	Thread  string `json:"thread,omitempty"`
	Text    string `json:"text"`
}

// postResponse carries the created unit's identifier.
type postResponse struct {
	UnitID string `json:"unit_id"`
}

// updateRequest is the wire form for rewriting a unit.
type updateRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// HTTP is a dispatch.Destination backed by a chat HTTP API.
type HTTP struct {
	cfg    Config
	client *resty.Client
}

// NewHTTP creates the HTTP destination client.
func NewHTTP(cfg Config) *HTTP {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetHeader("Content-Type", "application/json")
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &HTTP{cfg: cfg, client: client}
}

// PostUnit posts a new delivery unit and returns its identifier.
func (h *HTTP) PostUnit(ctx context.Context, channel, thread, text string) (string, error) {
	var out postResponse
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(postRequest{Channel: channel, Thread: thread, Text: text}).
		SetResult(&out).
		Post("/units")
	if err != nil {
		return "", fmt.Errorf("post unit: %w", err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("post unit: destination returned %d", resp.StatusCode())
	}
	if out.UnitID == "" {
		return "", fmt.Errorf("post unit: destination returned no unit id")
	}
	return out.UnitID, nil
}

// UpdateUnit rewrites an existing unit. A destination 404 means the unit
// reference went stale and is reported as a unit-not-found tagged error so
// the dispatcher can recover with a fresh post.
func (h *HTTP) UpdateUnit(ctx context.Context, channel, unitID, text string) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(updateRequest{Channel: channel, Text: text}).
		SetPathParam("unitID", unitID).
		Put("/units/{unitID}")
	if err != nil {
		return fmt.Errorf("update unit: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return errs.New(errs.KindUnitNotFound, "destination.update",
			fmt.Sprintf("unit %s not found", unitID))
	}
	if resp.IsError() {
		return fmt.Errorf("update unit: destination returned %d", resp.StatusCode())
	}
	return nil
}
