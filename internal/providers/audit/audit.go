// Package audit records session lifecycle and message traffic. The trail is
// always written to the structured log; when a collector endpoint is
// configured the same events are shipped to it as JSON over HTTP with
// retries. Audit failures are reported to callers but are never fatal to the
// operation that triggered them.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/session"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
)

// Config controls the audit trail.
type Config struct {
	// CollectorURL receives JSON audit events via POST. Empty disables
	// shipping; the structured log still carries every event.
	CollectorURL string
	// MaxContentLen truncates logged message bodies. Zero keeps them whole.
	MaxContentLen int
	RetryMax      int
	Timeout       time.Duration
}

// DefaultConfig returns log-only auditing.
func DefaultConfig() Config {
	return Config{
		MaxContentLen: 500,
		RetryMax:      3,
		Timeout:       5 * time.Second,
	}
}

// event is the wire form shipped to the collector.
type event struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	Content   string    `json:"content,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Log implements session.AuditLog.
type Log struct {
	cfg    Config
	logger *logging.Logger
	client *retryablehttp.Client
}

// NewLog creates an audit log. The HTTP shipper is only built when a
// collector URL is configured.
func NewLog(cfg Config, logger *logging.Logger) *Log {
	l := &Log{cfg: cfg, logger: logger}
	if cfg.CollectorURL != "" {
		client := retryablehttp.NewClient()
		client.RetryMax = cfg.RetryMax
		client.HTTPClient.Timeout = cfg.Timeout
		client.Logger = nil
		l.client = client
	}
	return l
}

// LogSessionStart records a session creation.
func (l *Log) LogSessionStart(ctx context.Context, rec *session.Session) error {
	l.logger.Info("audit: session start",
		zap.String("session_id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("working_dir", rec.WorkingDir),
	)
	return l.ship(ctx, event{
		Type:      "session_start",
		SessionID: rec.ID,
		UserID:    rec.UserID,
		Timestamp: time.Now().UTC(),
	})
}

// LogSessionEnd records a session termination with its exit code.
func (l *Log) LogSessionEnd(ctx context.Context, sessionID string, exitCode int) error {
	l.logger.Info("audit: session end",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
	)
	return l.ship(ctx, event{
		Type:      "session_end",
		SessionID: sessionID,
		ExitCode:  &exitCode,
		Timestamp: time.Now().UTC(),
	})
}

// LogMessage records one direction of session traffic.
func (l *Log) LogMessage(ctx context.Context, sessionID, role, content string) error {
	l.logger.Info("audit: message",
		zap.String("session_id", sessionID),
		zap.String("role", role),
		zap.Int("content_len", len(content)),
	)
	return l.ship(ctx, event{
		Type:      "message",
		SessionID: sessionID,
		Role:      role,
		Content:   l.truncate(content),
		Timestamp: time.Now().UTC(),
	})
}

func (l *Log) truncate(content string) string {
	if l.cfg.MaxContentLen > 0 && len(content) > l.cfg.MaxContentLen {
		return content[:l.cfg.MaxContentLen]
	}
	return content
}

func (l *Log) ship(ctx context.Context, ev event) error {
	if l.client == nil {
		return nil
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, l.cfg.CollectorURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build audit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("ship audit event: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("audit collector returned %d", resp.StatusCode)
	}
	return nil
}
