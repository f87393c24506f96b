package operator

import (
	"context"

	"ferry/eventtime"
	"ferry/schema"
)

// OneInput bridges a single host stream through a runner. All methods must
// be called from the host's operator thread; the deadline callback is the
// only internal caller and takes the same lock.
type OneInput struct {
	core
	input  schema.Type
	output schema.Type
}

// NewOneInput builds a single-input operator. input and output are the
// payload types of the host stream and of the runner's results.
func NewOneInput(opts Options, input, output schema.Type) (*OneInput, error) {
	c, err := newCore(opts)
	if err != nil {
		return nil, err
	}
	return &OneInput{core: c, input: input, output: output}, nil
}

func (o *OneInput) Open(ctx context.Context) error {
	return o.open(ctx, schema.ForEnvelope(o.input), o.output)
}

// ProcessElement frames the record with its timestamp and the current
// watermark and hands it to the runner. Results already delivered are
// drained on the way out.
func (o *OneInput) ProcessElement(value []byte, ts eventtime.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.readyLocked(); err != nil {
		return err
	}
	frame, err := o.codec.EncodeEnvelope(ts, eventtime.Watermark{Timestamp: o.watermark}, value)
	if err != nil {
		return o.failLocked(err)
	}
	return o.submitLocked(frame, false)
}

// ProcessWatermark flushes the open bundle and drains every pending input
// before the watermark is forwarded downstream.
func (o *OneInput) ProcessWatermark(wm eventtime.Watermark) error {
	return o.processWatermark(wm)
}

func (o *OneInput) Close() error { return o.close() }
