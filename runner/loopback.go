package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"ferry/internal/logging"
	"ferry/schema"
	"ferry/wire"
)

const (
	DefaultMaxInFlight  = 256
	DefaultResultBuffer = 256
)

// Program is user logic a Loopback runs in process. Exactly one of
// OnRecord and OnTwoInput must be set; OnTimer is required when the
// operator exchanges a timer descriptor. Each callback returns zero or
// more output payloads for its input; the loopback appends the
// end-of-input marker itself.
//
// OnOpen runs once before any frame and may stash the OpenSpec, typically
// to keep spec.Timers for registering timers from inside callbacks.
type Program struct {
	OnOpen     func(ctx context.Context, spec OpenSpec) error
	OnRecord   func(ctx context.Context, env wire.Envelope) ([][]byte, error)
	OnTwoInput func(ctx context.Context, env wire.TwoInputEnvelope) ([][]byte, error)
	OnTimer    func(ctx context.Context, env wire.TimerEnvelope) ([][]byte, error)
}

// LoopbackOptions tunes a Loopback; zero values select defaults.
type LoopbackOptions struct {
	MaxInFlight  int
	ResultBuffer int
}

type task struct {
	data  []byte
	timer bool
	ack   chan struct{} // finish-bundle barrier when non-nil
}

// Loopback runs a Program on a worker goroutine behind the full Runner
// contract: admission gating, asynchronous results, the end-of-input marker
// per frame, and the finish-bundle barrier. It lets tests and embedders
// exercise an operator without an external worker process.
type Loopback struct {
	name     string
	prog     Program
	twoInput bool
	gate     *Gate

	tasks   chan task
	out     *resultQueue
	results chan Result

	cancel context.CancelFunc
	ctx    context.Context
	done   chan struct{}
	err    error
}

// StartLoopback validates the program against the open spec and starts the
// worker. The runner's lifetime is governed by Close, not by ctx; ctx only
// scopes the open itself.
func StartLoopback(ctx context.Context, spec OpenSpec, prog Program, opts LoopbackOptions) (*Loopback, error) {
	if (prog.OnRecord == nil) == (prog.OnTwoInput == nil) {
		return nil, fmt.Errorf("runner: loopback %q: exactly one of OnRecord and OnTwoInput must be set", spec.TaskName)
	}
	in, err := schema.ParseDescriptor(spec.InputDescriptor)
	if err != nil {
		return nil, fmt.Errorf("runner: loopback %q: input descriptor: %w", spec.TaskName, err)
	}
	if _, err := schema.ParseDescriptor(spec.OutputDescriptor); err != nil {
		return nil, fmt.Errorf("runner: loopback %q: output descriptor: %w", spec.TaskName, err)
	}
	twoInput := hasField(in, "is_left")
	if twoInput && prog.OnTwoInput == nil {
		return nil, fmt.Errorf("runner: loopback %q: two-input descriptor without OnTwoInput", spec.TaskName)
	}
	if !twoInput && prog.OnRecord == nil {
		return nil, fmt.Errorf("runner: loopback %q: one-input descriptor without OnRecord", spec.TaskName)
	}
	if len(spec.TimerDescriptor) > 0 {
		if _, err := schema.ParseDescriptor(spec.TimerDescriptor); err != nil {
			return nil, fmt.Errorf("runner: loopback %q: timer descriptor: %w", spec.TaskName, err)
		}
		if prog.OnTimer == nil {
			return nil, fmt.Errorf("runner: loopback %q: timer descriptor without OnTimer", spec.TaskName)
		}
	}
	if prog.OnOpen != nil {
		if err := prog.OnOpen(ctx, spec); err != nil {
			return nil, fmt.Errorf("runner: loopback %q: open: %w", spec.TaskName, err)
		}
	}

	maxInFlight := opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	resultBuffer := opts.ResultBuffer
	if resultBuffer <= 0 {
		resultBuffer = DefaultResultBuffer
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, runCtx := errgroup.WithContext(runCtx)
	l := &Loopback{
		name:     spec.TaskName,
		prog:     prog,
		twoInput: twoInput,
		gate:     NewGate(maxInFlight),
		tasks:    make(chan task, maxInFlight),
		out:      newResultQueue(),
		results:  make(chan Result, resultBuffer),
		cancel:   cancel,
		ctx:      runCtx,
		done:     make(chan struct{}),
	}
	g.Go(l.work)
	g.Go(l.pump)
	go func() {
		err := g.Wait()
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		l.err = err
		close(l.done)
	}()

	logging.L().Debug("loopback runner started",
		"task", l.name, "two_input", twoInput, "max_in_flight", maxInFlight)
	return l, nil
}

// LoopbackFactory adapts a program into a Factory, for hosts binding
// runners by name through the registry.
func LoopbackFactory(prog Program, opts LoopbackOptions) Factory {
	return func(ctx context.Context, spec OpenSpec) (Runner, error) {
		return StartLoopback(ctx, spec, prog, opts)
	}
}

func (l *Loopback) Process(data []byte) error      { return l.submit(data, false) }
func (l *Loopback) ProcessTimer(data []byte) error { return l.submit(data, true) }

func (l *Loopback) submit(data []byte, isTimer bool) error {
	if err := l.gate.Acquire(l.ctx); err != nil {
		return Failure("loopback %s: submit: %v", l.name, l.cause(err))
	}
	t := task{data: append([]byte(nil), data...), timer: isTimer}
	select {
	case l.tasks <- t:
		return nil
	case <-l.ctx.Done():
		l.gate.Release()
		return Failure("loopback %s: submit: %v", l.name, l.cause(l.ctx.Err()))
	}
}

func (l *Loopback) FinishBundle() error {
	ack := make(chan struct{})
	select {
	case l.tasks <- task{ack: ack}:
	case <-l.ctx.Done():
		return Failure("loopback %s: finish bundle: %v", l.name, l.cause(l.ctx.Err()))
	}
	select {
	case <-ack:
		return nil
	case <-l.done:
		if l.err != nil {
			return l.err
		}
		return Failure("loopback %s: finish bundle: runner closed", l.name)
	}
}

func (l *Loopback) Results() <-chan Result { return l.results }

func (l *Loopback) Done() <-chan struct{} { return l.done }

func (l *Loopback) Err() error {
	select {
	case <-l.done:
		return l.err
	default:
		return nil
	}
}

func (l *Loopback) Close() error {
	l.cancel()
	l.gate.Close()
	<-l.done
	logging.L().Debug("loopback runner stopped", "task", l.name)
	return l.err
}

// cause prefers the recorded exit error over a bare context error.
func (l *Loopback) cause(fallback error) error {
	select {
	case <-l.done:
		if l.err != nil {
			return l.err
		}
	default:
	}
	return fallback
}

func (l *Loopback) work() error {
	for {
		select {
		case <-l.ctx.Done():
			return l.ctx.Err()
		case t := <-l.tasks:
			if t.ack != nil {
				close(t.ack)
				continue
			}
			if err := l.execute(t); err != nil {
				return err
			}
		}
	}
}

func (l *Loopback) execute(t task) error {
	defer l.gate.Release()

	var outs [][]byte
	var err error
	switch {
	case t.timer:
		if l.prog.OnTimer == nil {
			return ProtocolViolation("loopback %s: timer frame without timer support", l.name)
		}
		env, derr := wire.DecodeTimer(t.data)
		if derr != nil {
			return ProtocolViolation("loopback %s: %v", l.name, derr)
		}
		outs, err = l.prog.OnTimer(l.ctx, env)
	case l.twoInput:
		env, derr := wire.DecodeTwoInput(t.data)
		if derr != nil {
			return ProtocolViolation("loopback %s: %v", l.name, derr)
		}
		outs, err = l.prog.OnTwoInput(l.ctx, env)
	default:
		env, derr := wire.DecodeEnvelope(t.data)
		if derr != nil {
			return ProtocolViolation("loopback %s: %v", l.name, derr)
		}
		outs, err = l.prog.OnRecord(l.ctx, env)
	}
	if err != nil {
		return Failure("loopback %s: user function: %v", l.name, err)
	}

	for _, out := range outs {
		l.out.push(Result{Data: out, Length: len(out)})
	}
	marker := wire.EndOfInput()
	l.out.push(Result{Data: marker, Length: len(marker)})
	return nil
}

// pump moves results from the unbounded queue onto the results channel.
// The worker never blocks on result delivery, so a finish-bundle barrier
// can always complete; it is the input side that backpressures, through
// the gate.
func (l *Loopback) pump() error {
	for {
		r, ok := l.out.pop(l.ctx)
		if !ok {
			return l.ctx.Err()
		}
		select {
		case l.results <- r:
		case <-l.ctx.Done():
			return l.ctx.Err()
		}
	}
}

func hasField(t schema.Type, name string) bool {
	if t.Kind != schema.KindRow {
		return false
	}
	for _, f := range t.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

type resultQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Result
	head  int
}

func newResultQueue() *resultQueue {
	q := &resultQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *resultQueue) push(r Result) {
	q.mu.Lock()
	q.items = append(q.items, r)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *resultQueue) pop(ctx context.Context) (Result, bool) {
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.items) && ctx.Err() == nil {
		q.cond.Wait()
	}
	if ctx.Err() != nil {
		return Result{}, false
	}
	r := q.items[q.head]
	q.items[q.head] = Result{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return r, true
}
