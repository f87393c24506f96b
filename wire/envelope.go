// Package wire frames records and timer fires for the runner boundary and
// tracks the timestamps of frames awaiting acknowledgment.
//
// Frame layouts, integers big-endian, timestamps shifted by math.MinInt64 so
// byte order agrees with numeric order across the full range:
//
//	record    [ts:8][wm:8][uvarint len][payload]
//	two-input [ts:8][wm:8][side:1][uvarint len][payload]
//	timer     [kind:1][fire:8][wm:8][uvarint len][key]
//
// A result whose significant length is exactly one byte 0x00 is the
// end-of-input marker; single-zero-byte result payloads are reserved for it.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"ferry/eventtime"
)

const (
	// DefaultMaxFrameBytes bounds a single encoded frame when the codec is
	// built with a non-positive limit.
	DefaultMaxFrameBytes = 16 << 20

	timestampLen      = 8
	envelopeHeaderLen = 2 * timestampLen

	endOfInputMarker byte = 0x00
)

// Timer kinds on the wire.
const (
	TimerKindProcessingTime byte = 0
	TimerKindEventTime      byte = 1
)

// Side discriminates the origin stream of a two-input frame.
type Side byte

const (
	SideRight Side = 0
	SideLeft  Side = 1
)

var (
	ErrFrameTooLarge  = errors.New("wire: frame exceeds size limit")
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

// Codec builds outbound frames for one operator instance. It reuses a single
// scratch buffer, so a frame is valid only until the next Encode call; every
// successful encode appends the frame's timestamp to the pending queue.
//
// Owned by the operator thread; not safe for concurrent use.
type Codec struct {
	pending  *TimestampQueue
	maxFrame int
	buf      []byte
}

func NewCodec(pending *TimestampQueue, maxFrameBytes int) *Codec {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Codec{
		pending:  pending,
		maxFrame: maxFrameBytes,
		buf:      make([]byte, 0, 512),
	}
}

// EncodeEnvelope frames a record together with its event timestamp and the
// watermark current at send time.
func (c *Codec) EncodeEnvelope(ts eventtime.Time, wm eventtime.Watermark, payload []byte) ([]byte, error) {
	if err := c.fits(envelopeHeaderLen, payload); err != nil {
		return nil, err
	}
	b := c.buf[:0]
	b = appendTime(b, ts)
	b = appendTime(b, wm.Timestamp)
	b = binary.AppendUvarint(b, uint64(len(payload)))
	b = append(b, payload...)
	c.buf = b
	c.pending.Push(ts)
	return b, nil
}

// EncodeTwoInput frames a record from one side of a two-input operator.
func (c *Codec) EncodeTwoInput(ts eventtime.Time, wm eventtime.Watermark, side Side, payload []byte) ([]byte, error) {
	if err := c.fits(envelopeHeaderLen+1, payload); err != nil {
		return nil, err
	}
	b := c.buf[:0]
	b = appendTime(b, ts)
	b = appendTime(b, wm.Timestamp)
	b = append(b, byte(side))
	b = binary.AppendUvarint(b, uint64(len(payload)))
	b = append(b, payload...)
	c.buf = b
	c.pending.Push(ts)
	return b, nil
}

// EncodeTimer frames a timer fire. The fire timestamp joins the pending
// queue exactly like a record timestamp: outputs produced by the callback
// are stamped with it.
func (c *Codec) EncodeTimer(kind byte, fire eventtime.Time, wm eventtime.Watermark, key []byte) ([]byte, error) {
	if kind != TimerKindProcessingTime && kind != TimerKindEventTime {
		return nil, fmt.Errorf("wire: unknown timer kind %d", kind)
	}
	if err := c.fits(1+envelopeHeaderLen, key); err != nil {
		return nil, err
	}
	b := c.buf[:0]
	b = append(b, kind)
	b = appendTime(b, fire)
	b = appendTime(b, wm.Timestamp)
	b = binary.AppendUvarint(b, uint64(len(key)))
	b = append(b, key...)
	c.buf = b
	c.pending.Push(fire)
	return b, nil
}

func (c *Codec) fits(overhead int, payload []byte) error {
	n := overhead + uvarintLen(uint64(len(payload))) + len(payload)
	if n > c.maxFrame {
		return fmt.Errorf("wire: frame of %d bytes exceeds limit of %d: %w", n, c.maxFrame, ErrFrameTooLarge)
	}
	return nil
}

/* ───────────────────────── runner-side parsing ─────────────────────────── */

// Envelope is a decoded record frame. Payload aliases the frame buffer.
type Envelope struct {
	Timestamp eventtime.Time
	Watermark eventtime.Watermark
	Payload   []byte
}

// TwoInputEnvelope is a decoded two-input frame. Exactly one side is tagged
// per frame; the payload belongs to that side.
type TwoInputEnvelope struct {
	Timestamp eventtime.Time
	Watermark eventtime.Watermark
	Side      Side
	Payload   []byte
}

// TimerEnvelope is a decoded timer-fire frame.
type TimerEnvelope struct {
	Kind      byte
	Fire      eventtime.Time
	Watermark eventtime.Watermark
	Key       []byte
}

func DecodeEnvelope(frame []byte) (Envelope, error) {
	if len(frame) < envelopeHeaderLen {
		return Envelope{}, fmt.Errorf("wire: record frame of %d bytes: %w", len(frame), ErrMalformedFrame)
	}
	payload, err := readBlock(frame[envelopeHeaderLen:])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Timestamp: readTime(frame),
		Watermark: eventtime.Watermark{Timestamp: readTime(frame[timestampLen:])},
		Payload:   payload,
	}, nil
}

func DecodeTwoInput(frame []byte) (TwoInputEnvelope, error) {
	if len(frame) < envelopeHeaderLen+1 {
		return TwoInputEnvelope{}, fmt.Errorf("wire: two-input frame of %d bytes: %w", len(frame), ErrMalformedFrame)
	}
	side := Side(frame[envelopeHeaderLen])
	if side != SideLeft && side != SideRight {
		return TwoInputEnvelope{}, fmt.Errorf("wire: unknown side %d: %w", side, ErrMalformedFrame)
	}
	payload, err := readBlock(frame[envelopeHeaderLen+1:])
	if err != nil {
		return TwoInputEnvelope{}, err
	}
	return TwoInputEnvelope{
		Timestamp: readTime(frame),
		Watermark: eventtime.Watermark{Timestamp: readTime(frame[timestampLen:])},
		Side:      side,
		Payload:   payload,
	}, nil
}

func DecodeTimer(frame []byte) (TimerEnvelope, error) {
	if len(frame) < 1+envelopeHeaderLen {
		return TimerEnvelope{}, fmt.Errorf("wire: timer frame of %d bytes: %w", len(frame), ErrMalformedFrame)
	}
	kind := frame[0]
	if kind != TimerKindProcessingTime && kind != TimerKindEventTime {
		return TimerEnvelope{}, fmt.Errorf("wire: unknown timer kind %d: %w", kind, ErrMalformedFrame)
	}
	key, err := readBlock(frame[1+envelopeHeaderLen:])
	if err != nil {
		return TimerEnvelope{}, err
	}
	return TimerEnvelope{
		Kind:      kind,
		Fire:      readTime(frame[1:]),
		Watermark: eventtime.Watermark{Timestamp: readTime(frame[1+timestampLen:])},
		Key:       key,
	}, nil
}

// DecodeResult detaches the significant bytes of a runner result buffer.
// Callers check IsEndOfInput first; popping the pending queue stays with the
// caller since one input may yield zero, one, or many results.
func DecodeResult(data []byte, length int) ([]byte, error) {
	if length < 0 || length > len(data) {
		return nil, fmt.Errorf("wire: result length %d outside buffer of %d bytes: %w", length, len(data), ErrMalformedFrame)
	}
	out := make([]byte, length)
	copy(out, data[:length])
	return out, nil
}

// IsEndOfInput reports whether a result buffer is the end-of-input marker.
func IsEndOfInput(data []byte, length int) bool {
	return length == 1 && len(data) >= 1 && data[0] == endOfInputMarker
}

// EndOfInput returns a fresh end-of-input marker for runner implementations.
func EndOfInput() []byte { return []byte{endOfInputMarker} }

func appendTime(b []byte, t eventtime.Time) []byte {
	return binary.BigEndian.AppendUint64(b, uint64(t.Milliseconds()-math.MinInt64))
}

func readTime(b []byte) eventtime.Time {
	return eventtime.FromMilliseconds(int64(binary.BigEndian.Uint64(b)) + math.MinInt64)
}

func readBlock(b []byte) ([]byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return nil, fmt.Errorf("wire: bad length prefix: %w", ErrMalformedFrame)
	}
	b = b[n:]
	if uint64(len(b)) != v {
		return nil, fmt.Errorf("wire: payload of %d bytes declared, %d present: %w", v, len(b), ErrMalformedFrame)
	}
	return b, nil
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}
