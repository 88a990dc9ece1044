package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRealSchedulerFires(t *testing.T) {
	s := New()

	done := make(chan struct{})
	s.Schedule(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled callback never fired")
	}
}

func TestRealSchedulerCancel(t *testing.T) {
	s := New()

	var fired atomic.Bool
	task := s.Schedule(50*time.Millisecond, func() { fired.Store(true) })

	require.True(t, task.Cancel())
	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManualAdvanceFiresDueTasks(t *testing.T) {
	m := NewManual()

	var order []int
	m.Schedule(300*time.Millisecond, func() { order = append(order, 2) })
	m.Schedule(150*time.Millisecond, func() { order = append(order, 1) })
	m.Schedule(500*time.Millisecond, func() { order = append(order, 3) })

	m.Advance(300 * time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)
	assert.Equal(t, 1, m.PendingCount())

	m.Advance(200 * time.Millisecond)
	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, m.PendingCount())
}

func TestManualCancel(t *testing.T) {
	m := NewManual()

	fired := false
	task := m.Schedule(100*time.Millisecond, func() { fired = true })

	require.True(t, task.Cancel())
	assert.False(t, task.Cancel(), "second cancel reports already stopped")

	m.Advance(time.Second)
	assert.False(t, fired)
}

func TestManualRescheduleDuringFire(t *testing.T) {
	m := NewManual()

	count := 0
	var again func()
	again = func() {
		count++
		if count < 3 {
			m.Schedule(10*time.Millisecond, again)
		}
	}
	m.Schedule(10*time.Millisecond, again)

	// Chained reschedules within the window fire in the same Advance.
	m.Advance(time.Second)
	assert.Equal(t, 3, count)
}

func TestManualDebouncePattern(t *testing.T) {
	m := NewManual()

	fires := 0
	var task Task
	arm := func() {
		if task != nil {
			task.Cancel()
		}
		task = m.Schedule(300*time.Millisecond, func() { fires++ })
	}

	// Three bursts 50ms apart, then quiet: exactly one fire.
	arm()
	m.Advance(50 * time.Millisecond)
	arm()
	m.Advance(50 * time.Millisecond)
	arm()
	m.Advance(300 * time.Millisecond)

	assert.Equal(t, 1, fires)
	assert.Equal(t, 0, m.PendingCount())
}
