package destination

import (
	"context"
	"fmt"
	"sync"

	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
	"github.com/codewithdpk/ClaudeWire/internal/shared/id"
)

// Unit is one delivered unit held by the in-memory destination.
type Unit struct {
	ID      string
	Channel string
	Thread  string
	Text    string
	Edits   int
}

// Memory is a dispatch.Destination that keeps units in memory. It backs the
// supervisor when no destination endpoint is configured and doubles as the
// test sink.
type Memory struct {
	mu    sync.Mutex
	units map[string]*Unit
	order []string
}

// NewMemory creates an in-memory destination.
func NewMemory() *Memory {
	return &Memory{units: make(map[string]*Unit)}
}

// PostUnit stores a new unit and returns its identifier.
func (m *Memory) PostUnit(_ context.Context, channel, thread, text string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &Unit{
		ID:      id.NewUnitID().String(),
		Channel: channel,
		Thread:  thread,
		Text:    text,
	}
	m.units[u.ID] = u
	m.order = append(m.order, u.ID)
	return u.ID, nil
}

// UpdateUnit rewrites a stored unit, or reports unit-not-found for an
// unknown identifier.
func (m *Memory) UpdateUnit(_ context.Context, _, unitID, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := m.units[unitID]
	if u == nil {
		return errs.New(errs.KindUnitNotFound, "destination.update",
			fmt.Sprintf("unit %s not found", unitID))
	}
	u.Text = text
	u.Edits++
	return nil
}

// Forget drops a unit, simulating destination-side expiry.
func (m *Memory) Forget(unitID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.units, unitID)
}

// Units returns delivered units in post order. Forgotten units are skipped.
func (m *Memory) Units() []Unit {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Unit, 0, len(m.order))
	for _, uid := range m.order {
		if u := m.units[uid]; u != nil {
			out = append(out, *u)
		}
	}
	return out
}
