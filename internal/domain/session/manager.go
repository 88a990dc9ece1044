// Package session tracks one logical session per user, binds each to a
// supervised subprocess and a delivery dispatcher, and enforces the lifecycle
// invariants: per-user exclusivity, inactivity expiry, and cleanup on both
// solicited and unsolicited process exit.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/process"
	"github.com/codewithdpk/ClaudeWire/internal/infrastructure/monitoring"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
	"github.com/codewithdpk/ClaudeWire/internal/shared/id"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// Config holds manager policy.
type Config struct {
	InactivityTimeout time.Duration
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{InactivityTimeout: 60 * time.Minute}
}

// Manager owns every live session. The in-memory process handles live only
// here: the store answers "which session", the manager answers "is it alive",
// and GetSessionForUser reconciles the two.
type Manager struct {
	cfg       Config
	store     Store
	audit     AuditLog
	projects  ProjectManager
	scheduler sched.Scheduler
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	newProcess    ProcessFactory
	newDispatcher DispatcherFactory

	mu      sync.Mutex
	tracked map[string]*trackedSession // session id -> live state
	byUser  map[string]string          // user id -> session id
	subs    []func(Event)
}

// trackedSession binds a Session record to its live process handle and
// dispatcher. Exists only in this process's memory, never persisted.
type trackedSession struct {
	sess        *Session
	proc        Process
	disp        Dispatcher
	idle        sched.Task
	terminating bool
}

// NewManager creates a session manager.
func NewManager(
	cfg Config,
	store Store,
	audit AuditLog,
	projects ProjectManager,
	newProcess ProcessFactory,
	newDispatcher DispatcherFactory,
	scheduler sched.Scheduler,
	logger *logging.Logger,
) *Manager {
	return &Manager{
		cfg:           cfg,
		store:         store,
		audit:         audit,
		projects:      projects,
		newProcess:    newProcess,
		newDispatcher: newDispatcher,
		scheduler:     scheduler,
		logger:        logger,
		tracked:       make(map[string]*trackedSession),
		byUser:        make(map[string]string),
	}
}

// WithMetrics attaches the metrics collector.
func (m *Manager) WithMetrics(metrics *monitoring.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Subscribe registers a lifecycle notification callback. Registration is not
// revocable; subscribers live as long as the manager.
func (m *Manager) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

func (m *Manager) publish(ev Event) {
	m.mu.Lock()
	subs := append([]func(Event){}, m.subs...)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// GetSessionForUser resolves the user's active session. A store hit whose
// process handle is missing or dead is treated as a crashed session: it is
// cleaned up and (nil, nil) is returned instead of stale data. This
// self-heals after subprocess crashes that bypassed the exit path.
func (m *Manager) GetSessionForUser(ctx context.Context, userID string) (*Session, error) {
	sessionID, err := m.store.SessionIDForUser(ctx, userID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "session.lookup", err)
	}
	if sessionID == "" {
		return nil, nil
	}

	rec, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "session.lookup", err)
	}

	m.mu.Lock()
	t := m.tracked[sessionID]
	alive := t != nil && t.proc.IsAlive()
	var live *Session
	if alive {
		live = t.sess.Clone()
	}
	m.mu.Unlock()

	if rec == nil || !alive {
		m.logger.Warn("reclaiming stale session",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Bool("record_present", rec != nil),
		)
		if m.metrics != nil {
			m.metrics.SessionsHealed.Inc()
		}
		m.cleanupSession(ctx, sessionID, userID)
		return nil, nil
	}

	// The in-memory copy carries status changes not yet re-persisted.
	return live, nil
}

// CreateOptions describes a session creation request.
type CreateOptions struct {
	UserID        string
	UserName      string
	Channel       string
	Thread        string
	RequestedPath string
}

// CreateSession starts a new session and its subprocess for the user. Fails
// with a session-exists error when the user already has one, and with a
// spawn error (nothing persisted) when the subprocess cannot start.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*Session, error) {
	existing, err := m.GetSessionForUser(ctx, opts.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, errs.New(errs.KindSessionExists, "session.create",
			fmt.Sprintf("user %s already has an active session", opts.UserID))
	}

	workingDir := m.resolveWorkingDir(opts.RequestedPath, opts.UserID)

	now := time.Now().UTC()
	sess := &Session{
		ID:             id.NewSessionID().String(),
		UserID:         opts.UserID,
		UserName:       opts.UserName,
		Channel:        opts.Channel,
		Thread:         opts.Thread,
		WorkingDir:     workingDir,
		Status:         StatusStarting,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	sessionID := sess.ID

	// Claim the user's slot before spawning. Two concurrent creates can both
	// pass the store lookup above; the slot decides which one owns the
	// subprocess.
	m.mu.Lock()
	if _, claimed := m.byUser[opts.UserID]; claimed {
		m.mu.Unlock()
		return nil, errs.New(errs.KindSessionExists, "session.create",
			fmt.Sprintf("user %s already has an active session", opts.UserID))
	}
	m.byUser[opts.UserID] = sessionID
	m.mu.Unlock()

	disp := m.newDispatcher(opts.Channel, opts.Thread)
	proc := m.newProcess(sess.ID, workingDir)

	proc.OnOutput(func(text string) { m.handleOutput(sessionID, text) })
	proc.OnPrompt(func(text string) { m.handlePrompt(sessionID, text) })
	proc.OnExit(func(code int) { m.handleProcessExit(sessionID, code) })
	proc.OnReady(func() { m.handleReady(sessionID) })

	if err := proc.Spawn(); err != nil {
		m.releaseUserSlot(opts.UserID, sessionID)
		if m.metrics != nil {
			m.metrics.SpawnFailures.Inc()
		}
		return nil, err
	}

	// Track before persisting: a store record without a live handle looks
	// like a crashed session to GetSessionForUser and would be reclaimed.
	t := &trackedSession{sess: sess, proc: proc, disp: disp}
	m.mu.Lock()
	m.tracked[sessionID] = t
	t.idle = m.scheduler.Schedule(m.cfg.InactivityTimeout, func() { m.expireSession(sessionID) })
	active := len(m.tracked)
	m.mu.Unlock()

	if err := m.store.SetSession(ctx, sess, m.cfg.InactivityTimeout); err != nil {
		// The subprocess is already running; tear it down rather than
		// leak the handle. Untrack first so its exit reads as solicited.
		m.mu.Lock()
		t.terminating = true
		if t.idle != nil {
			t.idle.Cancel()
			t.idle = nil
		}
		delete(m.tracked, sessionID)
		m.mu.Unlock()
		_ = proc.Terminate(ctx)
		m.releaseUserSlot(opts.UserID, sessionID)
		return nil, errs.Wrap(errs.KindStorage, "session.create", err)
	}

	if err := m.audit.LogSessionStart(ctx, sess.Clone()); err != nil {
		m.logger.Warn("audit session-start failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	if m.metrics != nil {
		m.metrics.SessionsStarted.Inc()
		m.metrics.SetSessionsActive(active)
	}

	m.logger.Info("session created",
		zap.String("session_id", sessionID),
		zap.String("user_id", opts.UserID),
		zap.String("working_dir", workingDir),
	)

	m.publish(Event{Kind: EventCreated, Session: *sess.Clone()})
	return sess.Clone(), nil
}

// resolveWorkingDir validates a requested path against the user's sandbox,
// falling back to the user's default directory when the request is invalid.
func (m *Manager) resolveWorkingDir(requested, userID string) string {
	if requested == "" {
		return m.projects.UserProjectDir(userID)
	}
	if resolved, ok := m.projects.ValidateProjectPath(requested, userID); ok {
		return resolved
	}
	fallback := m.projects.UserProjectDir(userID)
	m.logger.Warn("requested path rejected, using default",
		zap.String("user_id", userID),
		zap.String("requested", requested),
		zap.String("fallback", fallback),
	)
	return fallback
}

// SendInput forwards a line of input to the user's subprocess.
func (m *Manager) SendInput(ctx context.Context, userID, text string) error {
	t, err := m.resolveLive(ctx, userID)
	if err != nil {
		return err
	}

	t.proc.SendInput(text)

	if err := m.touch(ctx, t, nil); err != nil {
		return err
	}
	if err := m.audit.LogMessage(ctx, t.sess.ID, "user", text); err != nil {
		// Best effort by contract: a broken audit trail must not block
		// the conversation.
		m.logger.Warn("audit message failed", zap.String("session_id", t.sess.ID), zap.Error(err))
	}
	return nil
}

// SendControl forwards a raw control key to the user's subprocess. Accept
// and reject resolve a pending confirmation, so they flip the session back
// to active.
func (m *Manager) SendControl(ctx context.Context, userID string, key process.ControlKey) error {
	if !key.Valid() {
		return fmt.Errorf("unknown control key %q", key)
	}

	t, err := m.resolveLive(ctx, userID)
	if err != nil {
		return err
	}

	t.proc.SendControl(key)

	var status *Status
	if key == process.ControlAccept || key == process.ControlReject {
		s := StatusActive
		status = &s
	}
	if err := m.touch(ctx, t, status); err != nil {
		return err
	}
	if err := m.audit.LogMessage(ctx, t.sess.ID, "user", "[control] "+string(key)); err != nil {
		m.logger.Warn("audit message failed", zap.String("session_id", t.sess.ID), zap.Error(err))
	}
	return nil
}

// TerminateSession stops the user's session. Returns false when there is
// nothing to stop.
func (m *Manager) TerminateSession(ctx context.Context, userID string) (bool, error) {
	sess, err := m.GetSessionForUser(ctx, userID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}

	m.mu.Lock()
	t := m.tracked[sess.ID]
	if t != nil {
		t.terminating = true
		if t.idle != nil {
			t.idle.Cancel()
			t.idle = nil
		}
	}
	m.mu.Unlock()
	if t == nil {
		return false, nil
	}

	if err := t.proc.Terminate(ctx); err != nil {
		m.logger.Error("terminate failed", zap.String("session_id", sess.ID), zap.Error(err))
	}
	m.finishSession(ctx, t, "Session ended.", 0)
	return true, nil
}

// GetSessionStatus returns the user's session or a no-session error.
func (m *Manager) GetSessionStatus(ctx context.Context, userID string) (*Session, error) {
	sess, err := m.GetSessionForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errs.New(errs.KindNoSession, "session.status", "no active session")
	}
	return sess, nil
}

// Shutdown cancels every inactivity timer, then terminates every tracked
// process concurrently. Individual failures are tolerated.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*trackedSession, 0, len(m.tracked))
	for _, t := range m.tracked {
		t.terminating = true
		if t.idle != nil {
			t.idle.Cancel()
			t.idle = nil
		}
		all = append(all, t)
	}
	m.tracked = make(map[string]*trackedSession)
	m.byUser = make(map[string]string)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, t := range all {
		wg.Add(1)
		go func(t *trackedSession) {
			defer wg.Done()
			if err := t.proc.Terminate(ctx); err != nil {
				m.logger.Error("shutdown terminate failed", zap.String("session_id", t.sess.ID), zap.Error(err))
			}
			if err := t.disp.Finalize(ctx, "Session closed, supervisor shutting down."); err != nil {
				m.logger.Error("shutdown finalize failed", zap.String("session_id", t.sess.ID), zap.Error(err))
			}
			if err := m.store.DeleteSession(ctx, t.sess.ID, t.sess.UserID); err != nil {
				m.logger.Error("shutdown store delete failed", zap.String("session_id", t.sess.ID), zap.Error(err))
			}
		}(t)
	}
	wg.Wait()

	if m.metrics != nil {
		m.metrics.SetSessionsActive(0)
	}
	m.logger.Info("session manager shut down", zap.Int("terminated", len(all)))
}

// ============================================================================
// Wrapper event handlers
// ============================================================================

func (m *Manager) handleOutput(sessionID, text string) {
	m.mu.Lock()
	t := m.tracked[sessionID]
	m.mu.Unlock()
	if t == nil {
		return
	}

	t.disp.Append(text)
	m.publish(Event{Kind: EventOutput, Session: *m.snapshot(t), Text: text})
}

func (m *Manager) handlePrompt(sessionID, text string) {
	m.mu.Lock()
	t := m.tracked[sessionID]
	if t != nil {
		t.sess.Status = StatusWaitingInput
	}
	m.mu.Unlock()
	if t == nil {
		return
	}

	ctx := context.Background()
	if err := t.disp.SendImmediate(ctx, text); err != nil {
		m.logger.Error("prompt relay failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	if m.metrics != nil {
		m.metrics.PromptsRelayed.Inc()
	}
	m.persistBestEffort(ctx, t)
	m.publish(Event{Kind: EventPrompt, Session: *m.snapshot(t), Text: text})
}

func (m *Manager) handleReady(sessionID string) {
	m.mu.Lock()
	t := m.tracked[sessionID]
	if t != nil && t.sess.Status == StatusStarting {
		t.sess.Status = StatusActive
	}
	m.mu.Unlock()
	if t == nil {
		return
	}
	m.persistBestEffort(context.Background(), t)
}

// handleProcessExit runs on every subprocess exit, solicited or not. The
// explicit termination and expiry paths own their cleanup; everything else
// is an unsolicited exit handled here.
func (m *Manager) handleProcessExit(sessionID string, exitCode int) {
	ctx := context.Background()

	if err := m.audit.LogSessionEnd(ctx, sessionID, exitCode); err != nil {
		m.logger.Warn("audit session-end failed", zap.String("session_id", sessionID), zap.Error(err))
	}

	m.mu.Lock()
	t := m.tracked[sessionID]
	solicited := t == nil || t.terminating
	if t != nil && !t.terminating {
		t.terminating = true
		if t.idle != nil {
			t.idle.Cancel()
			t.idle = nil
		}
	}
	m.mu.Unlock()
	if solicited {
		return
	}

	m.logger.Info("unsolicited process exit",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode),
	)
	m.finishSession(ctx, t, fmt.Sprintf("Session ended (exit code %d).", exitCode), exitCode)
}

// ============================================================================
// Internals
// ============================================================================

// releaseUserSlot frees the slot claimed by a create that failed before
// tracking. Guarded so a slot re-claimed by a later create is left alone.
func (m *Manager) releaseUserSlot(userID, sessionID string) {
	m.mu.Lock()
	if m.byUser[userID] == sessionID {
		delete(m.byUser, userID)
	}
	m.mu.Unlock()
}

// resolveLive returns the tracked state for the user's session or a
// no-session error.
func (m *Manager) resolveLive(ctx context.Context, userID string) (*trackedSession, error) {
	sess, err := m.GetSessionForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errs.New(errs.KindNoSession, "session.resolve", "no active session")
	}

	m.mu.Lock()
	t := m.tracked[sess.ID]
	m.mu.Unlock()
	if t == nil {
		return nil, errs.New(errs.KindNoSession, "session.resolve", "no live process")
	}
	return t, nil
}

// touch records activity: bumps lastActivityAt (and optionally status),
// re-persists the record with a refreshed TTL, and rearms the inactivity
// timer.
func (m *Manager) touch(ctx context.Context, t *trackedSession, status *Status) error {
	m.mu.Lock()
	t.sess.LastActivityAt = time.Now().UTC()
	if status != nil {
		t.sess.Status = *status
	}
	if t.idle != nil {
		t.idle.Cancel()
	}
	sessionID := t.sess.ID
	t.idle = m.scheduler.Schedule(m.cfg.InactivityTimeout, func() { m.expireSession(sessionID) })
	snapshot := t.sess.Clone()
	m.mu.Unlock()

	if err := m.store.SetSession(ctx, snapshot, m.cfg.InactivityTimeout); err != nil {
		return errs.Wrap(errs.KindStorage, "session.touch", err)
	}
	return nil
}

// persistBestEffort re-persists a status change without surfacing failures.
func (m *Manager) persistBestEffort(ctx context.Context, t *trackedSession) {
	m.mu.Lock()
	snapshot := t.sess.Clone()
	m.mu.Unlock()

	if err := m.store.SetSession(ctx, snapshot, m.cfg.InactivityTimeout); err != nil {
		m.logger.Warn("session persist failed", zap.String("session_id", snapshot.ID), zap.Error(err))
	}
}

// expireSession fires when the inactivity window lapses: same termination
// path as an explicit stop.
func (m *Manager) expireSession(sessionID string) {
	m.mu.Lock()
	t := m.tracked[sessionID]
	if t == nil || t.terminating {
		m.mu.Unlock()
		return
	}
	t.terminating = true
	t.idle = nil
	m.mu.Unlock()

	m.logger.Info("session expired by inactivity", zap.String("session_id", sessionID))
	if m.metrics != nil {
		m.metrics.SessionsExpired.Inc()
	}

	ctx := context.Background()
	if err := t.proc.Terminate(ctx); err != nil {
		m.logger.Error("expiry terminate failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.finishSession(ctx, t, "Session closed after inactivity.", 0)
}

// finishSession is the shared tail of every termination path: mark the
// record terminated, drop tracking and store entries, finalize delivery, and
// notify subscribers.
func (m *Manager) finishSession(ctx context.Context, t *trackedSession, statusText string, exitCode int) {
	m.mu.Lock()
	t.sess.Status = StatusTerminated
	sessionID := t.sess.ID
	userID := t.sess.UserID
	m.mu.Unlock()

	m.cleanupSession(ctx, sessionID, userID)

	if err := t.disp.Finalize(ctx, statusText); err != nil {
		m.logger.Error("dispatcher finalize failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	m.publish(Event{Kind: EventTerminated, Session: *m.snapshot(t), ExitCode: exitCode})
}

// cleanupSession removes in-memory tracking and both store entries.
func (m *Manager) cleanupSession(ctx context.Context, sessionID, userID string) {
	m.mu.Lock()
	if t := m.tracked[sessionID]; t != nil {
		if t.idle != nil {
			t.idle.Cancel()
			t.idle = nil
		}
		delete(m.tracked, sessionID)
	}
	if m.byUser[userID] == sessionID {
		delete(m.byUser, userID)
	}
	active := len(m.tracked)
	m.mu.Unlock()

	if err := m.store.DeleteSession(ctx, sessionID, userID); err != nil {
		m.logger.Error("store delete failed",
			zap.String("session_id", sessionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
	if m.metrics != nil {
		m.metrics.SetSessionsActive(active)
	}
}

func (m *Manager) snapshot(t *trackedSession) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return t.sess.Clone()
}
