// Package dispatch coalesces a session's cleaned output into discrete
// delivery units for the messaging destination, bounding API call volume by
// editing the most recent unit in place while output is still growing.
package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codewithdpk/ClaudeWire/internal/domain/parser"
	"github.com/codewithdpk/ClaudeWire/internal/infrastructure/monitoring"
	"github.com/codewithdpk/ClaudeWire/internal/logging"
	"github.com/codewithdpk/ClaudeWire/internal/shared/errs"
	"github.com/codewithdpk/ClaudeWire/internal/shared/sched"
)

// Destination is the messaging sink contract.
type Destination interface {
	// PostUnit posts a new delivery unit and returns its identifier.
	PostUnit(ctx context.Context, channel, thread, text string) (string, error)
	// UpdateUnit rewrites an existing unit in place. A stale identifier
	// yields a unit-not-found tagged error.
	UpdateUnit(ctx context.Context, channel, unitID, text string) error
}

// Config holds the delivery policy constants. The defaults bound destination
// API volume for fast-growing single-message output while letting long
// transcripts span multiple units.
type Config struct {
	Debounce       time.Duration // quiet period before a flush
	MaxUnitLen     int           // chunk size per delivery unit
	MaxInPlaceEdit int           // delivered-unit count beyond which updates stop
}

// DefaultConfig returns the supervisor defaults.
func DefaultConfig() Config {
	return Config{
		Debounce:       300 * time.Millisecond,
		MaxUnitLen:     3900,
		MaxInPlaceEdit: 5,
	}
}

// Dispatcher buffers one session's output stream. One instance per session.
type Dispatcher struct {
	cfg       Config
	dest      Destination
	scheduler sched.Scheduler
	logger    *logging.Logger
	metrics   *monitoring.Metrics

	// flushMu serializes whole flush cycles (read, deliver, trim). The
	// debounce goroutine and an explicit Flush or Finalize can otherwise
	// overlap on a slow destination and deliver the same buffer twice.
	flushMu sync.Mutex

	mu         sync.Mutex
	channel    string
	thread     string
	buf        strings.Builder
	timer      sched.Task
	lastUnitID string
	unitCount  int
	finalized  bool
}

// New creates a dispatcher bound to one destination channel and thread.
func New(channel, thread string, cfg Config, dest Destination, scheduler sched.Scheduler, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:       cfg,
		dest:      dest,
		scheduler: scheduler,
		logger:    logger,
		channel:   channel,
		thread:    thread,
	}
}

// WithMetrics attaches the metrics collector.
func (d *Dispatcher) WithMetrics(metrics *monitoring.Metrics) *Dispatcher {
	d.metrics = metrics
	return d
}

// Append adds text to the dispatch buffer and rearms the debounce timer.
// A no-op once the dispatcher is finalized.
func (d *Dispatcher) Append(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.finalized {
		return
	}
	d.buf.WriteString(text)

	if d.timer != nil {
		d.timer.Cancel()
	}
	d.timer = d.scheduler.Schedule(d.cfg.Debounce, d.flushFromTimer)
}

// flushFromTimer is the debounce callback. Flush failures here are logged,
// never propagated: one session's delivery trouble must not crash its owner.
func (d *Dispatcher) flushFromTimer() {
	if err := d.Flush(context.Background()); err != nil {
		d.logger.Error("debounced flush failed", zap.Error(err))
	}
}

// Flush delivers the buffered text. Empty or whitespace-only buffers are a
// no-op. Exactly one chunk with a remembered unit and fewer than
// MaxInPlaceEdit delivered units updates that unit in place; everything else
// posts new units in order. A stale unit reference is recovered by exactly
// one retry as a fresh post.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	text := d.buf.String()
	if strings.TrimSpace(text) == "" {
		d.mu.Unlock()
		return nil
	}
	flushedLen := len(text)
	channel, thread := d.channel, d.thread
	lastID, count := d.lastUnitID, d.unitCount
	d.mu.Unlock()

	chunks := parser.Chunk(text, d.cfg.MaxUnitLen)

	newLastID := lastID
	newCount := count

	// Everything before the final chunk is always a fresh post.
	for _, chunk := range chunks[:len(chunks)-1] {
		unitID, err := d.dest.PostUnit(ctx, channel, thread, chunk)
		if err != nil {
			return err
		}
		d.recordPost()
		newLastID = unitID
		newCount++
	}

	last := chunks[len(chunks)-1]
	if len(chunks) == 1 && lastID != "" && count < d.cfg.MaxInPlaceEdit {
		err := d.dest.UpdateUnit(ctx, channel, lastID, last)
		switch {
		case err == nil:
			if d.metrics != nil {
				d.metrics.UnitsUpdated.Inc()
			}
		case errs.IsUnitNotFound(err):
			if d.metrics != nil {
				d.metrics.StaleUnitHits.Inc()
			}
			// The unit went stale (too old to edit). Forget it and
			// retry once as a fresh post; repeated failure surfaces.
			d.logger.Warn("delivery unit vanished, reposting",
				zap.String("channel", channel),
				zap.String("unit_id", lastID),
			)
			unitID, postErr := d.dest.PostUnit(ctx, channel, thread, last)
			if postErr != nil {
				d.forgetUnitID(lastID)
				return postErr
			}
			d.recordPost()
			newLastID = unitID
			newCount++
		default:
			return err
		}
	} else {
		unitID, err := d.dest.PostUnit(ctx, channel, thread, last)
		if err != nil {
			return err
		}
		d.recordPost()
		newLastID = unitID
		newCount++
	}

	d.mu.Lock()
	// Drop only the flushed prefix: appends racing the delivery survive.
	// Reset may have cleared the buffer mid-delivery, so clamp.
	buffered := d.buf.String()
	if flushedLen > len(buffered) {
		flushedLen = len(buffered)
	}
	rest := buffered[flushedLen:]
	d.buf.Reset()
	d.buf.WriteString(rest)
	d.lastUnitID = newLastID
	d.unitCount = newCount
	d.mu.Unlock()
	return nil
}

// forgetUnitID clears the remembered unit so the next flush starts fresh.
func (d *Dispatcher) forgetUnitID(staleID string) {
	d.mu.Lock()
	if d.lastUnitID == staleID {
		d.lastUnitID = ""
	}
	d.mu.Unlock()
}

// SendImmediate bypasses buffering and posts a new unit at once. Used for
// urgent, non-coalescible content such as confirmation prompts. The posted
// unit is deliberately not remembered for in-place updates.
func (d *Dispatcher) SendImmediate(ctx context.Context, text string) error {
	d.mu.Lock()
	channel, thread := d.channel, d.thread
	d.mu.Unlock()

	if _, err := d.dest.PostUnit(ctx, channel, thread, text); err != nil {
		return err
	}
	d.recordPost()

	d.mu.Lock()
	d.unitCount++
	d.mu.Unlock()
	return nil
}

func (d *Dispatcher) recordPost() {
	if d.metrics != nil {
		d.metrics.UnitsPosted.Inc()
	}
}

// Finalize cancels the pending timer, forces a last flush, and seals the
// dispatcher: every later Append is a no-op. A non-empty statusText is always
// posted as its own unit regardless of buffer state.
func (d *Dispatcher) Finalize(ctx context.Context, statusText string) error {
	d.mu.Lock()
	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
	alreadyFinal := d.finalized
	d.mu.Unlock()

	var flushErr error
	if !alreadyFinal {
		flushErr = d.Flush(ctx)
	}

	d.mu.Lock()
	d.finalized = true
	channel, thread := d.channel, d.thread
	d.mu.Unlock()

	if statusText != "" {
		if _, err := d.dest.PostUnit(ctx, channel, thread, statusText); err != nil {
			d.logger.Error("status post failed", zap.Error(err))
		} else {
			d.recordPost()
		}
	}
	return flushErr
}

// Reset clears all delivery state and rebinds the dispatcher to a new
// destination thread. Used when a session is reattached elsewhere.
func (d *Dispatcher) Reset(channel, thread string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Cancel()
		d.timer = nil
	}
	d.buf.Reset()
	d.lastUnitID = ""
	d.unitCount = 0
	d.finalized = false
	d.channel = channel
	d.thread = thread
}

// UnitCount returns the number of units delivered so far.
func (d *Dispatcher) UnitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unitCount
}
