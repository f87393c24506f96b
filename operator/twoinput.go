package operator

import (
	"context"

	"ferry/eventtime"
	"ferry/schema"
	"ferry/wire"
)

// TwoInput bridges two host streams through one runner. Records from both
// sides share a single pending queue and a single bundle; the frame carries
// a discriminant so the runner can tell the sides apart.
type TwoInput struct {
	core
	left   schema.Type
	right  schema.Type
	output schema.Type
}

func NewTwoInput(opts Options, left, right, output schema.Type) (*TwoInput, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &TwoInput{core: c, left: left, right: right, output: output}, nil
}

func (o *TwoInput) Open(ctx context.Context) error {
	return o.open(ctx, schema.ForTwoInput(o.left, o.right), o.output)
}

// ProcessElement1 frames a record from the first (left) input.
func (o *TwoInput) ProcessElement1(value []byte, ts eventtime.Time) error {
	return o.processSide(wire.SideLeft, value, ts)
}

// ProcessElement2 frames a record from the second (right) input.
func (o *TwoInput) ProcessElement2(value []byte, ts eventtime.Time) error {
	return o.processSide(wire.SideRight, value, ts)
}

func (o *TwoInput) processSide(side wire.Side, value []byte, ts eventtime.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.readyLocked(); err != nil {
		return err
	}
	frame, err := o.codec.EncodeTwoInput(ts, eventtime.Watermark{Timestamp: o.watermark}, side, value)
	if err != nil {
		return o.failLocked(err)
	}
	return o.submitLocked(frame, false)
}

// ProcessWatermark takes the combined watermark of both inputs; the host
// is responsible for taking the minimum across sides before calling.
func (o *TwoInput) ProcessWatermark(wm eventtime.Watermark) error {
	return o.processWatermark(wm)
}

func (o *TwoInput) Close() error { return o.close() }
