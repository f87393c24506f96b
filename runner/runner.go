// Package runner defines the boundary to the worker executing user logic.
// The worker is opaque: frames go in, result buffers come out, plus an
// explicit finish-bundle barrier and a registration surface for timers.
// The engine can swap worker transports behind the Runner interface.
package runner

import (
	"context"

	"ferry/timer"
)

// Result is one output buffer from the worker. Length bounds the
// significant bytes; workers may reuse the rest of Data as scratch.
type Result struct {
	Data   []byte
	Length int
}

// Runner is the opaque worker boundary.
//
// Process and ProcessTimer hand one frame over and may block under
// backpressure; the blocking propagates to the operator thread. A frame is
// only valid for the duration of the call; implementations that defer work
// must copy it.
//
// FinishBundle is a barrier: it returns only after every frame handed over
// so far has been executed and its results enqueued for delivery on
// Results. Callers drain Results after the barrier; delivery needs no
// further input.
//
// Done is closed when the worker exits, cleanly or not; Err reports why.
type Runner interface {
	Process(data []byte) error
	ProcessTimer(data []byte) error
	FinishBundle() error
	Results() <-chan Result
	Done() <-chan struct{}
	Err() error
	Close() error
}

// OpenSpec carries everything a worker needs at operator open. Schema
// descriptors are exchanged once here, never per frame.
type OpenSpec struct {
	TaskName         string
	InputDescriptor  []byte
	OutputDescriptor []byte

	// TimerDescriptor and Timers are nil for operators without keyed
	// timers.
	TimerDescriptor []byte
	Timers          *timer.Registration
}

// Factory opens a runner for one operator instance.
type Factory func(ctx context.Context, spec OpenSpec) (Runner, error)
