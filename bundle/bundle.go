// Package bundle owns the accumulate/flush lifecycle of frames handed to
// the runner. The controller only counts and signals; encoding, the
// finish-bundle barrier, and the result drain stay with the operator.
package bundle

import (
	"time"

	"github.com/google/uuid"
)

// State of the controller.
type State int

const (
	Idle State = iota
	Accumulating
	Flushing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	}
	return "unknown"
}

// Scheduler schedules the bundle deadline. Host engines back this with
// their processing-time service so the callback runs where operator work is
// serialized; WallClock instead fires on a timer goroutine and relies on
// the operator's own locking.
type Scheduler interface {
	Schedule(d time.Duration, fn func()) (cancel func())
}

// WallClock schedules on the process clock.
type WallClock struct{}

func (WallClock) Schedule(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// Controller tracks one bundle at a time: Idle until the first admitted
// frame, Accumulating until a flush starts, Flushing until the drain
// completes. Callers provide the synchronization; all methods run on the
// operator's thread of control.
type Controller struct {
	maxSize   int
	maxTime   time.Duration
	scheduler Scheduler
	expire    func(id uuid.UUID)

	state     State
	count     int
	id        uuid.UUID
	startedAt time.Time
	cancel    func()
}

// NewController builds a controller from cfg. expire is invoked when an
// open bundle outlives MaxBundleTime, with the bundle's id; stale callbacks
// are filtered by IsCurrent. A nil scheduler or expire disables the
// deadline.
func NewController(cfg Config, sched Scheduler, expire func(id uuid.UUID)) *Controller {
	applyDefaults(&cfg)
	return &Controller{
		maxSize:   cfg.MaxBundleSize,
		maxTime:   cfg.MaxBundleTime,
		scheduler: sched,
		expire:    expire,
	}
}

// Add admits n frames into the current bundle, opening one if needed, and
// reports whether the size threshold has been reached.
func (c *Controller) Add(n int) bool {
	if c.state == Idle {
		c.state = Accumulating
		c.id = uuid.New()
		c.startedAt = time.Now()
		if c.scheduler != nil && c.expire != nil {
			id := c.id
			c.cancel = c.scheduler.Schedule(c.maxTime, func() { c.expire(id) })
		}
	}
	c.count += n
	return c.count >= c.maxSize
}

// Finish moves an open bundle into Flushing and cancels its deadline. It
// reports whether a bundle was open; forced flushes call it regardless and
// proceed either way.
func (c *Controller) Finish() bool {
	if c.state != Accumulating {
		return false
	}
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Flushing
	return true
}

// Done completes a flush: back to Idle with an empty counter.
func (c *Controller) Done() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = Idle
	c.count = 0
	c.id = uuid.Nil
	c.startedAt = time.Time{}
}

func (c *Controller) State() State { return c.state }

// Count is the number of frames admitted into the current bundle.
func (c *Controller) Count() int { return c.count }

// ID identifies the current bundle; uuid.Nil when idle.
func (c *Controller) ID() uuid.UUID { return c.id }

// StartedAt is when the current bundle opened; zero when idle.
func (c *Controller) StartedAt() time.Time { return c.startedAt }

// IsCurrent reports whether id names the bundle that is still open. Stale
// deadline callbacks fail this check.
func (c *Controller) IsCurrent(id uuid.UUID) bool {
	return c.state != Idle && c.id == id
}
