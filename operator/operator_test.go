package operator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"ferry/bundle"
	"ferry/eventtime"
	"ferry/runner"
	"ferry/schema"
	"ferry/state"
	"ferry/timer"
	"ferry/wire"
)

type emitted struct {
	Value string
	TS    eventtime.Time
}

// capture records collector calls in arrival order so tests can assert
// both content and ordering relative to watermarks.
type capture struct {
	values     []emitted
	marks      []eventtime.Watermark
	events     []string
	collectErr error
}

func (c *capture) Collect(value []byte, ts eventtime.Time) error {
	if c.collectErr != nil {
		return c.collectErr
	}
	c.values = append(c.values, emitted{Value: string(value), TS: ts})
	c.events = append(c.events, "result:"+string(value))
	return nil
}

func (c *capture) EmitWatermark(wm eventtime.Watermark) error {
	c.marks = append(c.marks, wm)
	c.events = append(c.events, fmt.Sprintf("watermark:%d", wm.Timestamp))
	return nil
}

func echoProg() runner.Program {
	return runner.Program{
		OnRecord: func(_ context.Context, env wire.Envelope) ([][]byte, error) {
			return [][]byte{env.Payload}, nil
		},
	}
}

func loopbackOptions(task string, out Output, cfg bundle.Config, prog runner.Program) Options {
	return Options{
		Task:      task,
		Config:    cfg,
		Factory:   runner.LoopbackFactory(prog, runner.LoopbackOptions{}),
		Collector: out,
	}
}

func openOneInput(t *testing.T, opts Options) *OneInput {
	t.Helper()
	op, err := NewOneInput(opts, schema.Bytes, schema.Bytes)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := op.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { op.Close() })
	return op
}

func mark(ts eventtime.Time) eventtime.Watermark {
	return eventtime.Watermark{Timestamp: ts}
}

/* ───────────────────────── round trip ───────────────────────── */

func TestEchoStampsResultsWithSendTimestamps(t *testing.T) {
	out := &capture{}
	op := openOneInput(t, loopbackOptions("echo", out, bundle.Config{MaxBundleSize: 100}, echoProg()))

	// Timestamps deliberately out of order; results still come back in
	// send order, each under its own timestamp.
	for _, e := range []emitted{{"a", 5}, {"b", 3}, {"c", 9}} {
		if err := op.ProcessElement([]byte(e.Value), e.TS); err != nil {
			t.Fatalf("process %q: %v", e.Value, err)
		}
	}
	if err := op.ProcessWatermark(mark(10)); err != nil {
		t.Fatalf("watermark: %v", err)
	}

	want := []emitted{{"a", 5}, {"b", 3}, {"c", 9}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	if len(out.marks) != 1 || out.marks[0].Timestamp != 10 {
		t.Fatalf("marks = %v, want exactly [10]", out.marks)
	}
}

func TestWatermarkWaitsForEveryPendingResult(t *testing.T) {
	out := &capture{}
	op := openOneInput(t, loopbackOptions("gate", out, bundle.Config{MaxBundleSize: 1000}, echoProg()))

	const n = 20
	for i := 0; i < n; i++ {
		if err := op.ProcessElement([]byte{byte('a' + i)}, eventtime.Time(i)); err != nil {
			t.Fatalf("process %d: %v", i, err)
		}
	}
	if err := op.ProcessWatermark(mark(100)); err != nil {
		t.Fatalf("watermark: %v", err)
	}

	if len(out.events) != n+1 {
		t.Fatalf("events = %d, want %d results plus the mark", len(out.events), n+1)
	}
	if got := out.events[n]; got != "watermark:100" {
		t.Fatalf("last event = %q, want the watermark after all results", got)
	}

	// Nothing outstanding now, so a second mark passes straight through.
	if err := op.ProcessWatermark(mark(200)); err != nil {
		t.Fatalf("second watermark: %v", err)
	}
	if got := out.events[len(out.events)-1]; got != "watermark:200" {
		t.Fatalf("last event = %q, want watermark:200", got)
	}
}

/* ───────────────────────── sentinel accounting ───────────────────────── */

func TestEndOfInputPopsExactlyOnePerFrame(t *testing.T) {
	// One output per payload byte: zero for an empty record, two for "xy".
	prog := runner.Program{
		OnRecord: func(_ context.Context, env wire.Envelope) ([][]byte, error) {
			var outs [][]byte
			for _, b := range env.Payload {
				outs = append(outs, []byte{b})
			}
			return outs, nil
		},
	}
	out := &capture{}
	op := openOneInput(t, loopbackOptions("fanout", out, bundle.Config{MaxBundleSize: 100}, prog))

	if err := op.ProcessElement(nil, 1); err != nil {
		t.Fatalf("empty record: %v", err)
	}
	if err := op.ProcessElement([]byte("xy"), 2); err != nil {
		t.Fatalf("xy: %v", err)
	}
	if err := op.ProcessWatermark(mark(5)); err != nil {
		t.Fatalf("watermark: %v", err)
	}

	want := []emitted{{"x", 2}, {"y", 2}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	// The queue stayed consistent: further traffic still round-trips.
	if err := op.ProcessElement([]byte("z"), 7); err != nil {
		t.Fatalf("z: %v", err)
	}
	if err := op.ProcessWatermark(mark(8)); err != nil {
		t.Fatalf("second watermark: %v", err)
	}
	if got := out.values[len(out.values)-1]; got != (emitted{"z", 7}) {
		t.Fatalf("last result = %+v, want z@7", got)
	}
}

/* ───────────────────────── two-input ───────────────────────── */

func TestTwoInputSidesKeepTheirTag(t *testing.T) {
	prog := runner.Program{
		OnTwoInput: func(_ context.Context, env wire.TwoInputEnvelope) ([][]byte, error) {
			tag := byte('R')
			if env.Side == wire.SideLeft {
				tag = 'L'
			}
			return [][]byte{append([]byte{tag, ':'}, env.Payload...)}, nil
		},
	}
	out := &capture{}
	op, err := NewTwoInput(loopbackOptions("join", out, bundle.Config{MaxBundleSize: 100}, prog),
		schema.Bytes, schema.Bytes, schema.Bytes)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := op.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer op.Close()

	if err := op.ProcessElement1([]byte("x"), 5); err != nil {
		t.Fatalf("left: %v", err)
	}
	if err := op.ProcessElement2([]byte("y"), 6); err != nil {
		t.Fatalf("right: %v", err)
	}
	if err := op.ProcessWatermark(mark(10)); err != nil {
		t.Fatalf("watermark: %v", err)
	}

	want := []emitted{{"L:x", 5}, {"R:y", 6}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
}

/* ───────────────────────── timers ───────────────────────── */

// relay breaks the construction cycle between the timer service and the
// operator it fires into.
type relay struct{ target timer.Triggerable }

func (r *relay) OnEventTime(t eventtime.Time, key []byte) error {
	return r.target.OnEventTime(t, key)
}

func (r *relay) OnProcessingTime(t eventtime.Time, key []byte) error {
	return r.target.OnProcessingTime(t, key)
}

func TestTimerFiresExactlyOnceWithKeyAndTimestamp(t *testing.T) {
	backend := &state.MemoryBackend{}
	rly := &relay{}
	svc := timer.NewMemoryService(backend, rly)

	var timers *timer.Registration
	var fired wire.TimerEnvelope
	prog := runner.Program{
		OnOpen: func(_ context.Context, spec runner.OpenSpec) error {
			timers = spec.Timers
			return nil
		},
		OnRecord: func(_ context.Context, env wire.Envelope) ([][]byte, error) {
			return nil, timers.Apply(timer.Request{
				Op:        timer.OpRegisterEventTime,
				Timestamp: env.Timestamp + 10,
				Key:       env.Payload,
			})
		},
		OnTimer: func(_ context.Context, env wire.TimerEnvelope) ([][]byte, error) {
			fired = env
			fired.Key = append([]byte(nil), env.Key...)
			return [][]byte{append([]byte("fired:"), env.Key...)}, nil
		},
	}

	out := &capture{}
	opts := loopbackOptions("timers", out, bundle.Config{MaxBundleSize: 100}, prog)
	opts.Keyed = &Keyed{Backend: backend, Service: svc, KeyType: schema.Bytes}
	op := openOneInput(t, opts)
	rly.target = op

	if err := op.ProcessElement([]byte("k1"), 5); err != nil {
		t.Fatalf("process: %v", err)
	}
	// The flush barrier guarantees the registration has been applied.
	if err := op.ProcessWatermark(mark(20)); err != nil {
		t.Fatalf("watermark: %v", err)
	}
	if got := svc.Pending(timer.DomainEventTime); got != 1 {
		t.Fatalf("pending event-time timers = %d, want 1", got)
	}

	if err := svc.AdvanceWatermark(mark(20)); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := op.ProcessWatermark(mark(30)); err != nil {
		t.Fatalf("drain fire: %v", err)
	}

	want := []emitted{{"fired:k1", 15}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	if fired.Kind != wire.TimerKindEventTime || fired.Fire != 15 || string(fired.Key) != "k1" {
		t.Fatalf("timer frame = %+v, want event-time fire at 15 for k1", fired)
	}
	if fired.Watermark.Timestamp != 20 {
		t.Fatalf("timer watermark = %v, want 20", fired.Watermark.Timestamp)
	}

	// A fired timer is gone; advancing further delivers nothing new.
	if err := svc.AdvanceWatermark(mark(40)); err != nil {
		t.Fatalf("advance again: %v", err)
	}
	if err := op.ProcessWatermark(mark(50)); err != nil {
		t.Fatalf("final watermark: %v", err)
	}
	if len(out.values) != 1 {
		t.Fatalf("results = %v, want the single fire", out.values)
	}
}

func TestKeylessOperatorRejectsTimerFires(t *testing.T) {
	out := &capture{}
	op := openOneInput(t, loopbackOptions("keyless", out, bundle.Config{MaxBundleSize: 100}, echoProg()))

	if err := op.OnEventTime(5, []byte("k")); err == nil {
		t.Fatal("expected an error firing a timer on a keyless operator")
	}
	// Not fatal: records still flow.
	if err := op.ProcessElement([]byte("a"), 1); err != nil {
		t.Fatalf("process after rejected fire: %v", err)
	}
}

/* ───────────────────────── bundle triggers ───────────────────────── */

func TestSizeThresholdFlushesWithoutWatermark(t *testing.T) {
	out := &capture{}
	op := openOneInput(t, loopbackOptions("sized", out, bundle.Config{MaxBundleSize: 2}, echoProg()))

	if err := op.ProcessElement([]byte("a"), 1); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := op.ProcessElement([]byte("b"), 2); err != nil {
		t.Fatalf("b: %v", err)
	}
	// Admitting "b" hit the threshold, so both results are in by now.

	want := []emitted{{"a", 1}, {"b", 2}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}
	if len(out.marks) != 0 {
		t.Fatalf("size flush must not emit watermarks, got %v", out.marks)
	}
}

type fakeScheduler struct {
	delay    time.Duration
	fn       func()
	canceled bool
}

func (s *fakeScheduler) Schedule(d time.Duration, fn func()) func() {
	s.delay, s.fn = d, fn
	return func() { s.canceled = true }
}

func (s *fakeScheduler) fire() {
	if s.fn != nil {
		s.fn()
	}
}

func TestDeadlineFlushesOpenBundle(t *testing.T) {
	sched := &fakeScheduler{}
	out := &capture{}
	opts := loopbackOptions("deadline", out, bundle.Config{
		MaxBundleSize: 1000,
		MaxBundleTime: 25 * time.Millisecond,
	}, echoProg())
	opts.Scheduler = sched
	op := openOneInput(t, opts)

	if err := op.ProcessElement([]byte("a"), 7); err != nil {
		t.Fatalf("process: %v", err)
	}
	if sched.fn == nil {
		t.Fatal("opening a bundle must schedule its deadline")
	}
	if sched.delay != 25*time.Millisecond {
		t.Fatalf("deadline delay = %v, want 25ms", sched.delay)
	}

	sched.fire()
	want := []emitted{{"a", 7}}
	if diff := cmp.Diff(want, out.values); diff != "" {
		t.Fatalf("results mismatch (-want +got):\n%s", diff)
	}

	// A late callback for the finished bundle is ignored.
	sched.fire()
	if len(out.values) != 1 {
		t.Fatalf("stale deadline reflushed: %v", out.values)
	}
}

/* ───────────────────────── failure paths ───────────────────────── */

// fakeRunner scripts runner behavior host-side tests cannot provoke
// through a real loopback.
type fakeRunner struct {
	results  chan runner.Result
	done     chan struct{}
	err      error
	perFrame []runner.Result
	stuck    bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		results: make(chan runner.Result, 16),
		done:    make(chan struct{}),
	}
}

func (f *fakeRunner) Process(data []byte) error {
	for _, r := range f.perFrame {
		f.results <- r
	}
	return nil
}

func (f *fakeRunner) ProcessTimer(data []byte) error { return f.Process(data) }

func (f *fakeRunner) FinishBundle() error {
	if f.stuck {
		<-f.done
		return errors.New("fake runner: interrupted")
	}
	return nil
}

func (f *fakeRunner) Results() <-chan runner.Result { return f.results }
func (f *fakeRunner) Done() <-chan struct{}         { return f.done }
func (f *fakeRunner) Err() error                    { return f.err }

func (f *fakeRunner) Close() error {
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	return nil
}

func factoryFor(f *fakeRunner) runner.Factory {
	return func(context.Context, runner.OpenSpec) (runner.Runner, error) { return f, nil }
}

func endOfInput() runner.Result {
	return runner.Result{Data: wire.EndOfInput(), Length: 1}
}

func TestResultWithNoPendingInputIsFatal(t *testing.T) {
	f := newFakeRunner()
	f.perFrame = []runner.Result{endOfInput(), endOfInput()}

	out := &capture{}
	op := openOneInput(t, Options{Task: "desync", Factory: factoryFor(f), Collector: out})

	err := op.ProcessElement([]byte("x"), 1)
	if err == nil || !runner.IsProtocolViolation(err) {
		t.Fatalf("err = %v, want a protocol violation", err)
	}
	// The failure sticks.
	if err := op.ProcessElement([]byte("y"), 2); err == nil {
		t.Fatal("operator accepted input after a protocol violation")
	}
}

func TestRunnerExitIsFatal(t *testing.T) {
	f := newFakeRunner()
	f.err = errors.New("worker crashed")
	close(f.done)

	out := &capture{}
	op := openOneInput(t, Options{Task: "dead", Factory: factoryFor(f), Collector: out})

	err := op.ProcessElement([]byte("x"), 1)
	if !errors.Is(err, f.err) {
		t.Fatalf("err = %v, want the runner's exit error", err)
	}
}

func TestCloseIsBoundedWhenRunnerIsStuck(t *testing.T) {
	f := newFakeRunner()
	f.stuck = true

	out := &capture{}
	op := openOneInput(t, Options{
		Task:      "stuck",
		Config:    bundle.Config{CloseTimeout: 50 * time.Millisecond},
		Factory:   factoryFor(f),
		Collector: out,
	})

	if err := op.ProcessElement([]byte("x"), 1); err != nil {
		t.Fatalf("process: %v", err)
	}
	start := time.Now()
	err := op.Close()
	if err == nil || !runner.IsFailure(err) {
		t.Fatalf("close err = %v, want a bridge failure", err)
	}
	if took := time.Since(start); took > 5*time.Second {
		t.Fatalf("close took %v, want close_timeout to bound it", took)
	}
	if err := op.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCollectorErrorIsFatal(t *testing.T) {
	f := newFakeRunner()
	f.perFrame = []runner.Result{{Data: []byte("a"), Length: 1}, endOfInput()}

	out := &capture{collectErr: errors.New("sink full")}
	op := openOneInput(t, Options{Task: "sinkerr", Factory: factoryFor(f), Collector: out})

	err := op.ProcessElement([]byte("a"), 1)
	if !errors.Is(err, out.collectErr) {
		t.Fatalf("err = %v, want the collector error", err)
	}
	if err := op.ProcessWatermark(mark(5)); err == nil {
		t.Fatal("watermark accepted after a fatal collect")
	}
	if len(out.marks) != 0 {
		t.Fatalf("watermark emitted despite the failure: %v", out.marks)
	}
}

/* ───────────────────────── construction and lifecycle ───────────────────────── */

func TestConstructionValidation(t *testing.T) {
	out := &capture{}
	factory := runner.LoopbackFactory(echoProg(), runner.LoopbackOptions{})

	cases := []struct {
		name string
		opts Options
	}{
		{"nil collector", Options{Factory: factory}},
		{"nil factory", Options{Collector: out}},
		{"keyed without service", Options{
			Factory:   factory,
			Collector: out,
			Keyed:     &Keyed{Backend: &state.MemoryBackend{}},
		}},
	}
	for _, tc := range cases {
		if _, err := NewOneInput(tc.opts, schema.Bytes, schema.Bytes); err == nil {
			t.Fatalf("%s: expected a construction error", tc.name)
		}
	}
}

func TestLifecycleGuards(t *testing.T) {
	out := &capture{}
	opts := loopbackOptions("lifecycle", out, bundle.Config{}, echoProg())

	op, err := NewOneInput(opts, schema.Bytes, schema.Bytes)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := op.ProcessElement([]byte("a"), 1); err == nil {
		t.Fatal("expected an error before open")
	}
	if err := op.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := op.Open(context.Background()); err == nil {
		t.Fatal("expected an error on double open")
	}
	if err := op.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := op.ProcessElement([]byte("b"), 2); err == nil {
		t.Fatal("expected an error after close")
	}
}

func TestOpenRejectsBadOutputSchema(t *testing.T) {
	out := &capture{}
	opts := loopbackOptions("badschema", out, bundle.Config{}, echoProg())

	op, err := NewOneInput(opts, schema.Bytes, schema.Row())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := op.Open(context.Background()); err == nil {
		t.Fatal("expected open to reject an empty row type")
	}
}

func TestShadowKeyLeavesBackendAlone(t *testing.T) {
	backend := &state.MemoryBackend{}
	svc := timer.NewMemoryService(backend, &relay{})
	out := &capture{}
	opts := loopbackOptions("shadow", out, bundle.Config{}, echoProg())
	opts.Keyed = &Keyed{Backend: backend, Service: svc, KeyType: schema.Bytes}

	op, err := NewOneInput(opts, schema.Bytes, schema.Bytes)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	op.SetCurrentKey([]byte("shadow"))
	if got := string(op.CurrentKey()); got != "shadow" {
		t.Fatalf("CurrentKey = %q, want shadow", got)
	}
	if backend.CurrentKey() != nil {
		t.Fatalf("backend key = %q, want untouched", backend.CurrentKey())
	}
}
