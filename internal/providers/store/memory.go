// Package store provides the session record store. The in-memory
// implementation keeps the id-keyed records and the user reverse index in
// lockstep and reclaims abandoned records on its own when their TTL lapses.
package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/session"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// Memory is an in-process session.Store. Every SetSession rearms a reap task
// for the record's TTL, so records abandoned by a crashed supervisor path
// still disappear without manager involvement.
type Memory struct {
	scheduler sched.Scheduler
	logger    *logging.Logger

	mu     sync.Mutex
	byID   map[string]*entry
	byUser map[string]string
}

type entry struct {
	rec  *session.Session
	reap sched.Task
	gen  uint64 // invalidates reap tasks scheduled for overwritten entries
}

// NewMemory creates an in-memory store.
func NewMemory(scheduler sched.Scheduler, logger *logging.Logger) *Memory {
	return &Memory{
		scheduler: scheduler,
		logger:    logger,
		byID:      make(map[string]*entry),
		byUser:    make(map[string]string),
	}
}

// SetSession stores or overwrites a record with a fresh TTL. A ttl of zero
// means the record never expires on its own.
func (m *Memory) SetSession(_ context.Context, rec *session.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.byID[rec.ID]
	if e == nil {
		e = &entry{}
		m.byID[rec.ID] = e
	}
	if e.reap != nil {
		e.reap.Cancel()
		e.reap = nil
	}
	e.rec = rec.Clone()
	e.gen++
	m.byUser[rec.UserID] = rec.ID

	if ttl > 0 {
		sessionID, userID, gen := rec.ID, rec.UserID, e.gen
		e.reap = m.scheduler.Schedule(ttl, func() {
			m.reapExpired(sessionID, userID, gen)
		})
	}
	return nil
}

// GetSession returns the record or (nil, nil) when it does not exist.
func (m *Memory) GetSession(_ context.Context, sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.byID[sessionID]
	if e == nil {
		return nil, nil
	}
	return e.rec.Clone(), nil
}

// SessionIDForUser returns the user's session id or ("", nil) when the user
// has none.
func (m *Memory) SessionIDForUser(_ context.Context, userID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byUser[userID], nil
}

// DeleteSession removes both the record and the reverse-index entry.
// Deleting a missing record is not an error.
func (m *Memory) DeleteSession(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(sessionID, userID)
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

// reapExpired fires from the scheduler when a record's TTL lapses. The
// generation check discards reaps racing a concurrent SetSession refresh.
func (m *Memory) reapExpired(sessionID, userID string, gen uint64) {
	m.mu.Lock()
	e := m.byID[sessionID]
	if e == nil || e.gen != gen {
		m.mu.Unlock()
		return
	}
	m.removeLocked(sessionID, userID)
	m.mu.Unlock()

	m.logger.Info("session record expired",
		zap.String("session_id", sessionID),
		zap.String("user_id", userID),
	)
}

func (m *Memory) removeLocked(sessionID, userID string) {
	if e := m.byID[sessionID]; e != nil {
		if e.reap != nil {
			e.reap.Cancel()
		}
		delete(m.byID, sessionID)
	}
	if m.byUser[userID] == sessionID {
		delete(m.byUser, userID)
	}
}
