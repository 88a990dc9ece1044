package session

import (
	"context"
	"time"

	"github.com/codewithdpk/ClaudeWire/internal/domain/process"
)

// Status is the logical session state.
type Status string

const (
	StatusStarting     Status = "starting"
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusTerminated   Status = "terminated"
)

// Session is the durable record of one user's engagement with a supervised
// subprocess. At most one non-terminated Session exists per user at any time.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	UserName       string    `json:"user_name"`
	Channel        string    `json:"channel"`
	Thread         string    `json:"thread"`
	WorkingDir     string    `json:"working_dir"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Clone returns a copy safe to hand outside the manager's lock.
func (s *Session) Clone() *Session {
	cp := *s
	return &cp
}

// EventKind names a lifecycle notification.
type EventKind string

const (
	EventCreated    EventKind = "created"
	EventOutput     EventKind = "output"
	EventPrompt     EventKind = "prompt"
	EventTerminated EventKind = "terminated"
)

// Event is a lifecycle notification fanned out to subscribers.
type Event struct {
	Kind     EventKind `json:"kind"`
	Session  Session   `json:"session"`
	Text     string    `json:"text,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
}

// Store is the cross-restart source of truth for Session records. It keeps
// both the id keyed record and the user reverse index, and reclaims
// abandoned records on its own when their TTL lapses.
type Store interface {
	SetSession(ctx context.Context, rec *Session, ttl time.Duration) error
	// GetSession returns (nil, nil) when the record does not exist.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// SessionIDForUser returns ("", nil) when the user has no session.
	SessionIDForUser(ctx context.Context, userID string) (string, error)
	DeleteSession(ctx context.Context, sessionID, userID string) error
}

// AuditLog records session lifecycle and message traffic. Failures are never
// fatal to the operation that triggered them.
type AuditLog interface {
	LogSessionStart(ctx context.Context, rec *Session) error
	LogSessionEnd(ctx context.Context, sessionID string, exitCode int) error
	LogMessage(ctx context.Context, sessionID, role, content string) error
}

// ProjectManager resolves and confines working directories.
type ProjectManager interface {
	// ValidateProjectPath resolves a requested path inside the user's
	// sandbox. ok is false when the request escapes it.
	ValidateProjectPath(path, userID string) (resolved string, ok bool)
	// UserProjectDir returns the user's default working directory.
	UserProjectDir(userID string) string
}

// Process is the runtime handle to one supervised subprocess. Implemented by
// process.Wrapper; narrowed here so tests can substitute their own.
type Process interface {
	OnOutput(fn func(text string))
	OnPrompt(fn func(text string))
	OnExit(fn func(exitCode int))
	OnReady(fn func())
	Spawn() error
	SendInput(text string)
	SendControl(key process.ControlKey)
	Terminate(ctx context.Context) error
	IsAlive() bool
}

// Dispatcher is the per-session delivery pipeline. Implemented by
// dispatch.Dispatcher.
type Dispatcher interface {
	Append(text string)
	SendImmediate(ctx context.Context, text string) error
	Finalize(ctx context.Context, statusText string) error
	Reset(channel, thread string)
}

// ProcessFactory builds the wrapper for a new session.
type ProcessFactory func(sessionID, workingDir string) Process

// DispatcherFactory builds the delivery pipeline for a new session.
type DispatcherFactory func(channel, thread string) Dispatcher
