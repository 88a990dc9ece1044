// Package sched provides the cancellable scheduled-task abstraction shared by
// every timer in the system: output debounce, dispatch debounce, ready
// promotion, forced-kill deadline, inactivity expiry, and store TTL reaping.
package sched

import (
	"sort"
	"sync"
	"time"
)

// Task is a handle to a scheduled callback.
type Task interface {
	// Cancel stops the task. It returns true if the callback had not yet
	// fired and will not fire.
	Cancel() bool
}

// Scheduler schedules one-shot callbacks after a delay.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) Task
}

// ============================================================================
// Real scheduler (time.AfterFunc)
// ============================================================================

type realScheduler struct{}

// New returns a Scheduler backed by the runtime timer wheel.
func New() Scheduler {
	return realScheduler{}
}

type realTask struct {
	timer *time.Timer
}

func (s realScheduler) Schedule(d time.Duration, fn func()) Task {
	return &realTask{timer: time.AfterFunc(d, fn)}
}

func (t *realTask) Cancel() bool {
	return t.timer.Stop()
}

// ============================================================================
// Manual scheduler (deterministic tests)
// ============================================================================

// Manual is a Scheduler driven by explicit Advance calls. Callbacks fire
// synchronously, in due order, from the goroutine calling Advance.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*manualTask
}

type manualTask struct {
	owner     *Manual
	due       time.Time
	seq       int
	fn        func()
	cancelled bool
	fired     bool
}

// NewManual creates a manual scheduler starting at an arbitrary base time.
func NewManual() *Manual {
	return &Manual{now: time.Unix(0, 0)}
}

// Schedule registers a callback due after d.
func (m *Manual) Schedule(d time.Duration, fn func()) Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	t := &manualTask{owner: m, due: m.now.Add(d), seq: m.seq, fn: fn}
	m.pending = append(m.pending, t)
	return t
}

// Advance moves the clock forward by d, firing every due callback in order.
// Callbacks may schedule further tasks; those fire too if they fall within
// the advanced window.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		t := m.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// PendingCount returns the number of scheduled, unfired, uncancelled tasks.
func (m *Manual) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.pending {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

// popDue removes and returns the earliest task due at or before target,
// advancing the clock to its due time. Returns nil when nothing is due.
func (m *Manual) popDue(target time.Time) *manualTask {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := m.pending[:0]
	for _, t := range m.pending {
		if !t.cancelled && !t.fired {
			live = append(live, t)
		}
	}
	m.pending = live

	sort.SliceStable(m.pending, func(i, j int) bool {
		if m.pending[i].due.Equal(m.pending[j].due) {
			return m.pending[i].seq < m.pending[j].seq
		}
		return m.pending[i].due.Before(m.pending[j].due)
	})

	for _, t := range m.pending {
		if !t.due.After(target) {
			t.fired = true
			if t.due.After(m.now) {
				m.now = t.due
			}
			return t
		}
	}
	return nil
}

func (t *manualTask) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()

	if t.fired || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}
