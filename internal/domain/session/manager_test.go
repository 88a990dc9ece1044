package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codewithdpk/ClaudeWire/internal/domain/process"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]*Session
	byUser   map[string]string
	setErr   error
	getErr   error
	delCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*Session), byUser: make(map[string]string)}
}

func (s *fakeStore) SetSession(_ context.Context, rec *Session, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.byID[rec.ID] = rec.Clone()
	s.byUser[rec.UserID] = rec.ID
	return nil
}

func (s *fakeStore) GetSession(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	rec := s.byID[sessionID]
	if rec == nil {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *fakeStore) SessionIDForUser(_ context.Context, userID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return "", s.getErr
	}
	return s.byUser[userID], nil
}

func (s *fakeStore) DeleteSession(_ context.Context, sessionID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delCalls++
	delete(s.byID, sessionID)
	if s.byUser[userID] == sessionID {
		delete(s.byUser, userID)
	}
	return nil
}

func (s *fakeStore) records() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID) + len(s.byUser)
}

type fakeAudit struct {
	mu       sync.Mutex
	starts   int
	ends     []int
	messages []string
	err      error
}

func (a *fakeAudit) LogSessionStart(_ context.Context, _ *Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts++
	return a.err
}

func (a *fakeAudit) LogSessionEnd(_ context.Context, _ string, exitCode int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ends = append(a.ends, exitCode)
	return a.err
}

func (a *fakeAudit) LogMessage(_ context.Context, _, _, content string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = append(a.messages, content)
	return a.err
}

type fakeProjects struct {
	rejectAll bool
}

func (p *fakeProjects) ValidateProjectPath(path, _ string) (string, bool) {
	if p.rejectAll {
		return "", false
	}
	return path, true
}

func (p *fakeProjects) UserProjectDir(userID string) string {
	return "/projects/" + userID
}

type fakeProc struct {
	mu         sync.Mutex
	alive      bool
	spawnErr   error
	spawnDelay time.Duration

	inputs     []string
	controls   []process.ControlKey
	terminates int

	onOutput func(string)
	onPrompt func(string)
	onExit   func(int)
	onReady  func()
}

func (p *fakeProc) OnOutput(fn func(string)) { p.onOutput = fn }
func (p *fakeProc) OnPrompt(fn func(string)) { p.onPrompt = fn }
func (p *fakeProc) OnExit(fn func(int))      { p.onExit = fn }
func (p *fakeProc) OnReady(fn func())        { p.onReady = fn }

func (p *fakeProc) Spawn() error {
	if p.spawnDelay > 0 {
		time.Sleep(p.spawnDelay)
	}
	if p.spawnErr != nil {
		return p.spawnErr
	}
	p.mu.Lock()
	p.alive = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProc) SendInput(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inputs = append(p.inputs, text)
}

func (p *fakeProc) SendControl(key process.ControlKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls = append(p.controls, key)
}

func (p *fakeProc) Terminate(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminates++
	p.alive = false
	return nil
}

func (p *fakeProc) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// exit simulates an unsolicited subprocess death.
func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	p.alive = false
	fn := p.onExit
	p.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}

type fakeDisp struct {
	mu         sync.Mutex
	appended   []string
	immediate  []string
	finalTexts []string
}

func (d *fakeDisp) Append(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.appended = append(d.appended, text)
}

func (d *fakeDisp) SendImmediate(_ context.Context, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.immediate = append(d.immediate, text)
	return nil
}

func (d *fakeDisp) Finalize(_ context.Context, statusText string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalTexts = append(d.finalTexts, statusText)
	return nil
}

func (d *fakeDisp) Reset(_, _ string) {}

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	mgr   *Manager
	store *fakeStore
	audit *fakeAudit
	clock *sched.Manual

	mu    sync.Mutex
	procs []*fakeProc
	disps []*fakeDisp

	nextSpawnErr   error
	nextSpawnDelay time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		store: newFakeStore(),
		audit: &fakeAudit{},
		clock: sched.NewManual(),
	}

	newProc := func(_, _ string) Process {
		h.mu.Lock()
		defer h.mu.Unlock()
		p := &fakeProc{spawnErr: h.nextSpawnErr, spawnDelay: h.nextSpawnDelay}
		h.procs = append(h.procs, p)
		return p
	}
	newDisp := func(_, _ string) Dispatcher {
		h.mu.Lock()
		defer h.mu.Unlock()
		d := &fakeDisp{}
		h.disps = append(h.disps, d)
		return d
	}

	h.mgr = NewManager(
		Config{InactivityTimeout: time.Minute},
		h.store,
		h.audit,
		&fakeProjects{},
		newProc,
		newDisp,
		h.clock,
		logging.NewNop(),
	)
	return h
}

func (h *harness) lastProc() *fakeProc {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.procs[len(h.procs)-1]
}

func (h *harness) lastDisp() *fakeDisp {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disps[len(h.disps)-1]
}

func (h *harness) create(t *testing.T, userID string) *Session {
	t.Helper()
	sess, err := h.mgr.CreateSession(context.Background(), CreateOptions{
		UserID:  userID,
		Channel: "C1",
		Thread:  "T1",
	})
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

// ============================================================================
// Tests
// ============================================================================

func TestCreateSessionTracksAndPersists(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "U1")

	assert.Equal(t, StatusStarting, sess.Status)
	assert.Equal(t, "/projects/U1", sess.WorkingDir)
	assert.True(t, h.lastProc().IsAlive())
	assert.Equal(t, 1, h.audit.starts)

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, sess.ID, got.ID)
}

func TestCreateSessionRejectsSecondSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	_, err := h.mgr.CreateSession(context.Background(), CreateOptions{UserID: "U1"})
	require.Error(t, err)
	assert.True(t, errs.IsSessionExists(err))

	// A different user is unaffected.
	h.create(t, "U2")
}

func TestConcurrentCreatesYieldOneSession(t *testing.T) {
	h := newHarness(t)
	// A slow spawn keeps every racer inside CreateSession at once.
	h.nextSpawnDelay = 10 * time.Millisecond

	const racers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.CreateSession(context.Background(), CreateOptions{
				UserID:  "U1",
				Channel: "C1",
				Thread:  "T1",
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)

	var created, rejected int
	for err := range errCh {
		switch {
		case err == nil:
			created++
		case errs.IsSessionExists(err):
			rejected++
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, racers-1, rejected)

	h.mu.Lock()
	alive := 0
	for _, p := range h.procs {
		if p.IsAlive() {
			alive++
		}
	}
	h.mu.Unlock()
	assert.Equal(t, 1, alive, "exactly one subprocess spawned")

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCreateSessionSpawnFailureLeavesNothingBehind(t *testing.T) {
	h := newHarness(t)
	h.nextSpawnErr = errs.New(errs.KindSpawn, "process.spawn", "no such binary")

	_, err := h.mgr.CreateSession(context.Background(), CreateOptions{UserID: "U1"})
	require.Error(t, err)
	assert.True(t, errs.IsSpawn(err))
	assert.Zero(t, h.store.records())

	got, lookupErr := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, lookupErr)
	assert.Nil(t, got)
}

func TestCreateSessionStoreFailureTerminatesProcess(t *testing.T) {
	h := newHarness(t)
	h.store.setErr = errors.New("store down")

	_, err := h.mgr.CreateSession(context.Background(), CreateOptions{UserID: "U1"})
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
	assert.Equal(t, 1, h.lastProc().terminates)
}

func TestCreateSessionFallsBackOnRejectedPath(t *testing.T) {
	h := newHarness(t)
	h.mgr.projects = &fakeProjects{rejectAll: true}

	sess, err := h.mgr.CreateSession(context.Background(), CreateOptions{
		UserID:        "U1",
		RequestedPath: "/etc",
	})
	require.NoError(t, err)
	assert.Equal(t, "/projects/U1", sess.WorkingDir)
}

func TestSendInputForwardsAndTouches(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	require.NoError(t, h.mgr.SendInput(context.Background(), "U1", "hello"))
	assert.Equal(t, []string{"hello"}, h.lastProc().inputs)
	assert.Equal(t, []string{"hello"}, h.audit.messages)
}

func TestSendInputWithoutSession(t *testing.T) {
	h := newHarness(t)

	err := h.mgr.SendInput(context.Background(), "U1", "hello")
	require.Error(t, err)
	assert.True(t, errs.IsNoSession(err))
}

func TestSendControlAcceptResolvesPrompt(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")
	proc := h.lastProc()

	proc.onPrompt("Allow Bash tool? [y/n]")
	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaitingInput, got.Status)
	assert.Equal(t, []string{"Allow Bash tool? [y/n]"}, h.lastDisp().immediate)

	require.NoError(t, h.mgr.SendControl(context.Background(), "U1", process.ControlAccept))
	assert.Equal(t, []process.ControlKey{process.ControlAccept}, proc.controls)

	got, err = h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestSendControlRejectsUnknownKey(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	err := h.mgr.SendControl(context.Background(), "U1", process.ControlKey("bogus"))
	require.Error(t, err)
	assert.Empty(t, h.lastProc().controls)
}

func TestReadyPromotesStartingToActive(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	h.lastProc().onReady()

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func TestOutputRoutedToDispatcher(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	h.lastProc().onOutput("chunk one")
	h.lastProc().onOutput("chunk two")

	assert.Equal(t, []string{"chunk one", "chunk two"}, h.lastDisp().appended)
}

func TestTerminateSessionCleansUpOnce(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")
	proc := h.lastProc()

	ok, err := h.mgr.TerminateSession(context.Background(), "U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, proc.terminates)
	assert.Equal(t, []string{"Session ended."}, h.lastDisp().finalTexts)
	assert.Zero(t, h.store.records())

	// Wrapper exit callback after an explicit terminate still audits the
	// end, but must not run cleanup a second time.
	dels := h.store.delCalls
	proc.exit(0)
	assert.Equal(t, dels, h.store.delCalls)
	assert.Equal(t, []int{0}, h.audit.ends)
	assert.Len(t, h.lastDisp().finalTexts, 1)

	ok, err = h.mgr.TerminateSession(context.Background(), "U1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnsolicitedExitCleansUp(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")

	var events []Event
	var mu sync.Mutex
	h.mgr.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	h.lastProc().exit(137)

	assert.Equal(t, []int{137}, h.audit.ends)
	assert.Equal(t, []string{"Session ended (exit code 137)."}, h.lastDisp().finalTexts)
	assert.Zero(t, h.store.records())

	mu.Lock()
	require.Len(t, events, 1)
	assert.Equal(t, EventTerminated, events[0].Kind)
	assert.Equal(t, 137, events[0].ExitCode)
	mu.Unlock()

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInactivityExpiryTerminatesSession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")
	proc := h.lastProc()

	// Activity just before the window lapses rearms the timer.
	h.clock.Advance(59 * time.Second)
	require.NoError(t, h.mgr.SendInput(context.Background(), "U1", "still here"))
	h.clock.Advance(59 * time.Second)
	assert.True(t, proc.IsAlive())

	h.clock.Advance(2 * time.Second)
	assert.False(t, proc.IsAlive())
	assert.Equal(t, 1, proc.terminates)
	assert.Equal(t, []string{"Session closed after inactivity."}, h.lastDisp().finalTexts)
	assert.Zero(t, h.store.records())
}

func TestGetSessionForUserHealsDeadHandle(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "U1")

	// Kill the process behind the manager's back, without firing the exit
	// callback: the record survives but the handle is dead.
	p := h.lastProc()
	p.mu.Lock()
	p.alive = false
	p.mu.Unlock()

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Zero(t, h.store.records())

	rec, err := h.store.GetSession(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// The user can start fresh immediately.
	h.create(t, "U1")
}

func TestGetSessionForUserHealsMissingRecord(t *testing.T) {
	h := newHarness(t)
	sess := h.create(t, "U1")

	// Simulate a reverse-index entry whose record was reaped.
	h.store.mu.Lock()
	delete(h.store.byID, sess.ID)
	h.store.mu.Unlock()

	got, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetSessionStatusMapsMissingToNoSession(t *testing.T) {
	h := newHarness(t)

	_, err := h.mgr.GetSessionStatus(context.Background(), "U1")
	require.Error(t, err)
	assert.True(t, errs.IsNoSession(err))

	h.create(t, "U1")
	sess, err := h.mgr.GetSessionStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "U1", sess.UserID)
}

func TestStoreFailureSurfacesOnLookup(t *testing.T) {
	h := newHarness(t)
	h.store.getErr = errors.New("store down")

	_, err := h.mgr.GetSessionForUser(context.Background(), "U1")
	require.Error(t, err)
	assert.True(t, errs.IsStorage(err))
}

func TestShutdownTerminatesEverySession(t *testing.T) {
	h := newHarness(t)
	h.create(t, "U1")
	h.create(t, "U2")
	h.create(t, "U3")

	h.mgr.Shutdown(context.Background())

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.procs {
		assert.Equal(t, 1, p.terminates)
		assert.False(t, p.IsAlive())
	}
	assert.Zero(t, h.store.records())

	// Expiry timers were cancelled; advancing the clock does nothing.
	h.clock.Advance(time.Hour)
	for _, p := range h.procs {
		assert.Equal(t, 1, p.terminates)
	}
}
