// Package operator hosts the bridge's operator surface. An operator takes
// host records and watermarks on a single thread of control, frames them
// for an asynchronous runner, and re-injects the runner's results into the
// host collector stamped with their original send timestamps.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ferry/bundle"
	"ferry/eventtime"
	"ferry/internal/logging"
	"ferry/internal/telemetry"
	"ferry/runner"
	"ferry/schema"
	"ferry/state"
	"ferry/timer"
	"ferry/wire"
)

// Output is the host collector decoded results are emitted into.
type Output interface {
	Collect(value []byte, ts eventtime.Time) error
	EmitWatermark(wm eventtime.Watermark) error
}

// Keyed configures keyed operation: a state backend to pin keys against,
// the host timer service registrations are applied to, and the key's
// logical type for the timer frame descriptor.
type Keyed struct {
	Backend state.Backend
	Service timer.Service
	KeyType schema.Type
}

// Options are shared by both operator shapes.
type Options struct {
	Task      string
	Config    bundle.Config
	Factory   runner.Factory
	Collector Output
	Scheduler bundle.Scheduler // nil disables the bundle deadline
	Keyed     *Keyed           // nil for keyless operators
}

// core carries the state machine shared by OneInput and TwoInput. The
// mutex serializes host calls, deadline callbacks, and the result drain;
// the drain is the only place runner output is consumed.
type core struct {
	name    string
	cfg     bundle.Config
	out     Output
	factory runner.Factory
	sched   bundle.Scheduler
	keyed   *Keyed
	pinned  *state.PinnedKey
	log     *slog.Logger

	mu        sync.Mutex
	runner    runner.Runner
	pending   *wire.TimestampQueue
	codec     *wire.Codec
	handler   *timer.Handler
	ctl       *bundle.Controller
	watermark eventtime.Time
	opened    bool
	closed    bool
	failed    error
}

func newCore(opts Options) (core, error) {
	if opts.Collector == nil {
		return core{}, errors.New("operator: nil collector")
	}
	if opts.Factory == nil {
		return core{}, errors.New("operator: nil runner factory")
	}
	if opts.Keyed != nil && (opts.Keyed.Backend == nil || opts.Keyed.Service == nil) {
		return core{}, errors.New("operator: keyed operation needs a backend and a timer service")
	}
	name := opts.Task
	if name == "" {
		name = "bridge"
	}
	c := core{
		name:    name,
		cfg:     opts.Config.WithDefaults(),
		out:     opts.Collector,
		factory: opts.Factory,
		sched:   opts.Scheduler,
		keyed:   opts.Keyed,
		log:     logging.Op(name),
	}
	if opts.Keyed != nil {
		c.pinned = state.NewPinnedKey(opts.Keyed.Backend)
	}
	return c, nil
}

// open allocates the codec and queue, resets watermark tracking to the
// minimum representable timestamp, and starts the runner. Schema problems
// surface here, never mid-stream.
func (c *core) open(ctx context.Context, inputShape, outputType schema.Type) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return fmt.Errorf("operator %s: already open", c.name)
	}
	inDesc, err := schema.Descriptor(inputShape)
	if err != nil {
		return fmt.Errorf("operator %s: input schema: %w", c.name, err)
	}
	outDesc, err := schema.Descriptor(outputType)
	if err != nil {
		return fmt.Errorf("operator %s: output schema: %w", c.name, err)
	}
	spec := runner.OpenSpec{
		TaskName:         c.name,
		InputDescriptor:  inDesc,
		OutputDescriptor: outDesc,
	}
	if c.keyed != nil {
		td, err := schema.Descriptor(schema.ForTimer(c.keyed.KeyType))
		if err != nil {
			return fmt.Errorf("operator %s: key schema: %w", c.name, err)
		}
		spec.TimerDescriptor = td
		spec.Timers = timer.NewRegistration(c.keyed.Service, c.pinned)
	}

	c.pending = wire.NewTimestampQueue()
	c.codec = wire.NewCodec(c.pending, c.cfg.MaxFrameBytes)
	c.handler = timer.NewHandler(c.codec)
	c.ctl = bundle.NewController(c.cfg, c.sched, c.onDeadline)
	c.watermark = eventtime.MinTimestamp

	r, err := c.factory(ctx, spec)
	if err != nil {
		return fmt.Errorf("operator %s: open runner: %w", c.name, err)
	}
	c.runner = r
	c.opened = true
	c.log.Info("operator opened", "keyed", c.keyed != nil,
		"max_bundle_size", c.cfg.MaxBundleSize, "max_bundle_time", c.cfg.MaxBundleTime)
	return nil
}

func (c *core) readyLocked() error {
	switch {
	case !c.opened:
		return fmt.Errorf("operator %s: not open", c.name)
	case c.closed:
		return fmt.Errorf("operator %s: closed", c.name)
	case c.failed != nil:
		return c.failed
	}
	select {
	case <-c.runner.Done():
		return c.failLocked(c.exitError())
	default:
		return nil
	}
}

// failLocked records the first fatal error; later calls keep returning it.
func (c *core) failLocked(err error) error {
	if c.failed == nil {
		c.failed = err
		c.log.Error("operator failed", "err", err)
	}
	return err
}

func (c *core) exitError() error {
	if err := c.runner.Err(); err != nil {
		return err
	}
	return runner.Failure("operator %s: runner exited", c.name)
}

// submit hands one encoded frame to the runner, admits it into the bundle,
// flushes on the size threshold, and opportunistically drains results that
// are already available.
func (c *core) submitLocked(frame []byte, isTimer bool) error {
	var err error
	if isTimer {
		err = c.runner.ProcessTimer(frame)
	} else {
		err = c.runner.Process(frame)
	}
	if err != nil {
		return c.failLocked(err)
	}
	kind := "record"
	if isTimer {
		kind = "timer"
	}
	telemetry.FramesSent.WithLabelValues(c.name, kind).Inc()
	if c.ctl.Add(1) {
		if err := c.flushLocked("size"); err != nil {
			return err
		}
	}
	if err := c.drainAvailableLocked(); err != nil {
		return err
	}
	telemetry.PendingDepth.WithLabelValues(c.name).Set(float64(c.pending.Len()))
	return nil
}

// processWatermark flushes and fully drains before the watermark may pass:
// no envelope sent before the mark is still unacknowledged once downstream
// observes it.
func (c *core) processWatermark(wm eventtime.Watermark) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.readyLocked(); err != nil {
		return err
	}
	if err := c.flushLocked("watermark"); err != nil {
		return err
	}
	c.watermark = wm.Timestamp
	if err := c.out.EmitWatermark(wm); err != nil {
		return c.failLocked(fmt.Errorf("operator %s: emit watermark: %w", c.name, err))
	}
	return nil
}

func (c *core) fireTimer(d timer.Domain, ts eventtime.Time, key []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keyed == nil {
		return fmt.Errorf("operator %s: timer fire on a keyless operator", c.name)
	}
	if err := c.readyLocked(); err != nil {
		return err
	}
	data, err := c.handler.FireData(d, eventtime.Watermark{Timestamp: c.watermark}, ts, key)
	if err != nil {
		return c.failLocked(err)
	}
	return c.submitLocked(data, true)
}

// flushLocked runs one full flush: finish-bundle barrier, then a blocking
// drain until every pending input is acknowledged. Forced flushes proceed
// even when no bundle is open, unless nothing at all is outstanding.
func (c *core) flushLocked(trigger string) error {
	open := c.ctl.Finish()
	if !open && c.pending.Len() == 0 {
		return nil
	}
	start := time.Now()
	frames := c.ctl.Count()
	if err := c.runner.FinishBundle(); err != nil {
		return c.failLocked(err)
	}
	if err := c.drainPendingLocked(nil); err != nil {
		return err
	}
	c.ctl.Done()
	took := time.Since(start)
	telemetry.BundlesFlushed.WithLabelValues(c.name, trigger).Inc()
	telemetry.FlushDuration.WithLabelValues(c.name).Observe(took.Seconds())
	telemetry.PendingDepth.WithLabelValues(c.name).Set(0)
	c.log.Debug("bundle flushed", "trigger", trigger, "frames", frames, "took", took)
	return nil
}

// onDeadline is the bundle-deadline callback. An error here is recorded
// and surfaces on the next host call.
func (c *core) onDeadline(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened || c.closed || c.failed != nil {
		return
	}
	if !c.ctl.IsCurrent(id) {
		return
	}
	_ = c.flushLocked("deadline")
}

// drainPendingLocked blocks until the pending queue is empty, a deadline
// fires, or the runner dies. Buffered results win over the exit signal so a
// runner that finished its work is always drained completely.
func (c *core) drainPendingLocked(deadline <-chan time.Time) error {
	for c.pending.Len() > 0 {
		select {
		case res := <-c.runner.Results():
			if err := c.handleResultLocked(res); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case res := <-c.runner.Results():
			if err := c.handleResultLocked(res); err != nil {
				return err
			}
		case <-c.runner.Done():
			return c.failLocked(c.exitError())
		case <-deadline:
			return c.failLocked(runner.Failure(
				"operator %s: drain timed out with %d pending inputs", c.name, c.pending.Len()))
		}
	}
	return nil
}

func (c *core) drainAvailableLocked() error {
	for {
		select {
		case res := <-c.runner.Results():
			if err := c.handleResultLocked(res); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleResultLocked consumes one runner result. The end-of-input marker
// pops exactly one pending timestamp and emits nothing; everything else is
// decoded and collected under the oldest pending timestamp, preserving
// send order regardless of arrival interleaving.
func (c *core) handleResultLocked(res runner.Result) error {
	if wire.IsEndOfInput(res.Data, res.Length) {
		if _, err := c.pending.Pop(); err != nil {
			return c.failLocked(runner.ProtocolViolation(
				"operator %s: end-of-input marker with no pending input", c.name))
		}
		telemetry.Sentinels.WithLabelValues(c.name).Inc()
		return nil
	}
	ts, err := c.pending.Peek()
	if err != nil {
		return c.failLocked(runner.ProtocolViolation(
			"operator %s: result with no pending input", c.name))
	}
	payload, err := wire.DecodeResult(res.Data, res.Length)
	if err != nil {
		return c.failLocked(fmt.Errorf("operator %s: %w", c.name, err))
	}
	if err := c.out.Collect(payload, ts); err != nil {
		return c.failLocked(fmt.Errorf("operator %s: collect: %w", c.name, err))
	}
	telemetry.ResultsEmitted.WithLabelValues(c.name).Inc()
	return nil
}

// close runs the final forced flush bounded by the close timeout and the
// runner's liveness signal, then releases the runner. A dead runner cannot
// deadlock the close.
func (c *core) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened || c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.failed == nil {
		firstErr = c.closeFlushLocked()
	}
	if err := c.runner.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	c.log.Info("operator closed", "err", firstErr)
	return firstErr
}

func (c *core) closeFlushLocked() error {
	open := c.ctl.Finish()
	if !open && c.pending.Len() == 0 {
		return nil
	}
	deadline := time.NewTimer(c.cfg.CloseTimeout)
	defer deadline.Stop()

	fin := make(chan error, 1)
	go func() { fin <- c.runner.FinishBundle() }()
	select {
	case err := <-fin:
		if err != nil {
			return c.failLocked(err)
		}
	case <-deadline.C:
		return c.failLocked(runner.Failure("operator %s: close: finish bundle timed out", c.name))
	}
	if err := c.drainPendingLocked(deadline.C); err != nil {
		return err
	}
	c.ctl.Done()
	telemetry.BundlesFlushed.WithLabelValues(c.name, "close").Inc()
	return nil
}

// SetCurrentKey records the shadow key worker-initiated calls observe. It
// never touches the backend's record-processing key.
func (c *core) SetCurrentKey(key []byte) {
	if c.pinned != nil {
		c.pinned.Set(key)
	}
}

func (c *core) CurrentKey() []byte {
	if c.pinned != nil {
		return c.pinned.Get()
	}
	return nil
}

// OnEventTime forwards an event-time timer fire for key into the runner.
func (c *core) OnEventTime(ts eventtime.Time, key []byte) error {
	return c.fireTimer(timer.DomainEventTime, ts, key)
}

// OnProcessingTime forwards a processing-time timer fire for key.
func (c *core) OnProcessingTime(ts eventtime.Time, key []byte) error {
	return c.fireTimer(timer.DomainProcessingTime, ts, key)
}
