// Package process owns one PTY-backed interactive subprocess per session. It
// cleans and debounces the subprocess's output stream, detects interactive
// confirmation prompts, and guarantees termination resolves within the
// forced-kill deadline.
package process

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/parser"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// Wrapper supervises a single subprocess behind a pseudo-terminal.
//
// State machine: starting -> ready -> busy <-> ready -> terminated. Any state
// transitions directly to terminated when the subprocess exits. A terminated
// wrapper is never reused.
type Wrapper struct {
	sessionID string
	cfg       Config
	logger    *logging.Logger
	scheduler sched.Scheduler

	mu        sync.Mutex
	status    Status
	cmd       *exec.Cmd
	ptmx      *os.File
	accum     bytes.Buffer
	debounce  sched.Task
	readyTask sched.Task
	killTask  sched.Task

	exited   chan struct{}
	readDone chan struct{}
	exitOnce sync.Once

	onOutput []func(text string)
	onPrompt []func(text string)
	onExit   []func(exitCode int)
	onReady  []func()
}

// NewWrapper creates an unspawned wrapper for one session.
func NewWrapper(sessionID string, cfg Config, scheduler sched.Scheduler, logger *logging.Logger) *Wrapper {
	return &Wrapper{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		scheduler: scheduler,
		status:    StatusStarting,
		exited:    make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// OnOutput registers a callback for debounced, cleaned output events.
// Registration must happen before Spawn.
func (w *Wrapper) OnOutput(fn func(text string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onOutput = append(w.onOutput, fn)
}

// OnPrompt registers a callback fired when the pending accumulation contains
// an interactive confirmation prompt.
func (w *Wrapper) OnPrompt(fn func(text string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onPrompt = append(w.onPrompt, fn)
}

// OnExit registers a callback fired exactly once with the exit code.
func (w *Wrapper) OnExit(fn func(exitCode int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onExit = append(w.onExit, fn)
}

// OnReady registers a callback fired when the wrapper promotes to ready.
func (w *Wrapper) OnReady(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onReady = append(w.onReady, fn)
}

// Spawn allocates the pseudo-terminal and starts the subprocess in the
// session's working directory. Failure returns a spawn-tagged error and
// leaves the wrapper unusable; it is not retried here.
func (w *Wrapper) Spawn() error {
	cmd := exec.Command(w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.WorkingDir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for key, value := range w.cfg.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}

	cols, rows := w.cfg.Cols, w.cfg.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return errs.Wrap(errs.KindSpawn, "process.spawn", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.ptmx = ptmx
	w.status = StatusStarting
	// Ready promotion is a liveness heuristic, not a handshake: if the
	// process is still running after the grace interval, treat it as ready.
	w.readyTask = w.scheduler.Schedule(w.cfg.ReadyDelay, w.promoteReady)
	w.mu.Unlock()

	go w.readLoop(ptmx)
	go w.waitForExit(cmd)

	w.logger.Info("process spawned",
		zap.String("session_id", w.sessionID),
		zap.String("command", w.cfg.Command),
		zap.String("working_dir", w.cfg.WorkingDir),
	)
	return nil
}

// SendInput writes a line of input to the subprocess and marks it busy.
// A no-op (logged) when the process is not alive.
func (w *Wrapper) SendInput(text string) {
	w.mu.Lock()
	if !w.aliveLocked() {
		w.mu.Unlock()
		w.logger.Warn("input dropped, process not alive", zap.String("session_id", w.sessionID))
		return
	}
	ptmx := w.ptmx
	w.status = StatusBusy
	w.mu.Unlock()

	if _, err := ptmx.WriteString(text + "\n"); err != nil {
		w.logger.Error("input write failed", zap.String("session_id", w.sessionID), zap.Error(err))
	}
}

// SendControl injects a raw control byte sequence with no trailing newline.
// A no-op (logged) when the process is not alive or the key is unknown.
func (w *Wrapper) SendControl(key ControlKey) {
	raw, ok := controlBytes[key]
	if !ok {
		w.logger.Warn("unknown control key", zap.String("key", string(key)))
		return
	}

	w.mu.Lock()
	if !w.aliveLocked() {
		w.mu.Unlock()
		w.logger.Warn("control dropped, process not alive", zap.String("session_id", w.sessionID))
		return
	}
	ptmx := w.ptmx
	w.mu.Unlock()

	if _, err := ptmx.Write(raw); err != nil {
		w.logger.Error("control write failed", zap.String("session_id", w.sessionID), zap.Error(err))
	}
}

// Terminate asks the subprocess to exit and resolves once it has, either from
// the natural exit event or from the forced kill after the deadline.
// Idempotent: a terminated wrapper returns immediately.
func (w *Wrapper) Terminate(ctx context.Context) error {
	w.mu.Lock()
	if w.status == StatusTerminated || w.ptmx == nil {
		w.mu.Unlock()
		return nil
	}
	ptmx := w.ptmx
	if w.killTask == nil {
		w.killTask = w.scheduler.Schedule(w.cfg.KillDeadline, w.forceKill)
	}
	w.mu.Unlock()

	// Interrupt any running turn, then request a clean exit.
	ptmx.Write(controlBytes[ControlInterrupt])
	ptmx.WriteString(w.cfg.ExitDirective + "\n")

	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsAlive reports whether a live terminal handle exists.
func (w *Wrapper) IsAlive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.aliveLocked()
}

// Status returns the current lifecycle state.
func (w *Wrapper) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Done is closed once the wrapper has fully torn down.
func (w *Wrapper) Done() <-chan struct{} {
	return w.exited
}

func (w *Wrapper) aliveLocked() bool {
	return w.ptmx != nil && w.status != StatusTerminated
}

// readLoop pumps raw PTY data into the accumulator until the terminal closes.
func (w *Wrapper) readLoop(ptmx *os.File) {
	defer close(w.readDone)

	buf := make([]byte, 4096)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			w.handleData(buf[:n])
		}
		if err != nil {
			// EOF or EIO once the subprocess side closes.
			return
		}
	}
}

// handleData appends a raw chunk, tests the full accumulation for a prompt,
// and rearms the output debounce.
func (w *Wrapper) handleData(data []byte) {
	w.mu.Lock()
	if w.status == StatusTerminated {
		w.mu.Unlock()
		return
	}
	w.accum.Write(data)

	// Prompt detection runs over the whole pending accumulation so prompts
	// split across writes are still caught. The accumulator is left intact;
	// the flush path owns clearing it.
	var promptText string
	var prompts []func(string)
	if parser.DetectPrompt(w.accum.String()) {
		promptText = parser.StripControlSequences(w.accum.String())
		prompts = append(prompts, w.onPrompt...)
	}

	if w.debounce != nil {
		w.debounce.Cancel()
	}
	w.debounce = w.scheduler.Schedule(w.cfg.OutputDebounce, w.flushOutput)
	w.mu.Unlock()

	for _, fn := range prompts {
		fn(promptText)
	}
}

// flushOutput is the debounce callback: clean, emit, clear.
func (w *Wrapper) flushOutput() {
	w.mu.Lock()
	text := parser.StripControlSequences(w.accum.String())
	w.accum.Reset()
	w.debounce = nil
	outputs := append([]func(string){}, w.onOutput...)
	w.mu.Unlock()

	if text == "" {
		return
	}
	for _, fn := range outputs {
		fn(text)
	}
}

// promoteReady moves starting -> ready unless the process already exited.
func (w *Wrapper) promoteReady() {
	w.mu.Lock()
	if w.status != StatusStarting {
		w.mu.Unlock()
		return
	}
	w.status = StatusReady
	w.readyTask = nil
	ready := append([]func(){}, w.onReady...)
	w.mu.Unlock()

	for _, fn := range ready {
		fn()
	}
}

// forceKill fires when the termination deadline elapses before a natural
// exit. The handle is killed outright and teardown is finalized so Terminate
// never hangs on a stuck subprocess.
func (w *Wrapper) forceKill() {
	w.mu.Lock()
	if w.status == StatusTerminated {
		w.mu.Unlock()
		return
	}
	cmd := w.cmd
	w.mu.Unlock()

	w.logger.Warn("termination deadline elapsed, killing process", zap.String("session_id", w.sessionID))
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
	}
	w.finalizeExit(-1)
}

// drainGrace bounds how long exit finalization waits for the PTY reader to
// deliver output buffered at exit time. Unbounded waiting would hang when a
// grandchild keeps the terminal open.
const drainGrace = 100 * time.Millisecond

// waitForExit reaps the subprocess and finalizes teardown with its exit code.
func (w *Wrapper) waitForExit(cmd *exec.Cmd) {
	code := 0
	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	select {
	case <-w.readDone:
	case <-time.After(drainGrace):
	}
	w.finalizeExit(code)
}

// finalizeExit runs exactly once: cancels timers, flushes the remaining
// accumulation as a final output event, emits the exit notification, and
// releases the terminal handle.
func (w *Wrapper) finalizeExit(code int) {
	w.exitOnce.Do(func() {
		w.mu.Lock()
		if w.debounce != nil {
			w.debounce.Cancel()
			w.debounce = nil
		}
		if w.readyTask != nil {
			w.readyTask.Cancel()
			w.readyTask = nil
		}
		if w.killTask != nil {
			w.killTask.Cancel()
			w.killTask = nil
		}

		remaining := parser.StripControlSequences(w.accum.String())
		w.accum.Reset()
		w.status = StatusTerminated

		if w.ptmx != nil {
			w.ptmx.Close()
		}
		outputs := append([]func(string){}, w.onOutput...)
		exits := append([]func(int){}, w.onExit...)
		w.mu.Unlock()

		if remaining != "" {
			for _, fn := range outputs {
				fn(remaining)
			}
		}
		for _, fn := range exits {
			fn(code)
		}

		w.logger.Info("process exited",
			zap.String("session_id", w.sessionID),
			zap.Int("exit_code", code),
		)
		close(w.exited)
	})
}
