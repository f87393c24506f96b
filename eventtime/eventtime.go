// Package eventtime holds the millisecond time domain shared by the bridge.
// Watermarks and record timestamps need extreme values outside the range of
// time.Time, so the representation is a raw int64 rather than a wall clock.
package eventtime

import (
	"fmt"
	"math"
	"time"
)

// Time is the number of milliseconds since the Unix epoch.
type Time int64

const (
	// MinTimestamp is the minimum representable timestamp, "-infinity".
	// Watermark tracking resets to this value on operator open.
	MinTimestamp Time = math.MinInt64

	// MaxTimestamp is the maximum representable timestamp, "+infinity".
	MaxTimestamp Time = math.MaxInt64
)

// Now returns the current wall-clock time as a Time.
func Now() Time {
	return FromTime(time.Now())
}

// FromTime converts a time.Time to millisecond precision.
func FromTime(t time.Time) Time {
	return Time(t.UnixMilli())
}

// FromMilliseconds wraps a raw milliseconds-since-epoch value.
func FromMilliseconds(ms int64) Time {
	return Time(ms)
}

// Milliseconds returns the raw milliseconds-since-epoch value.
func (t Time) Milliseconds() int64 {
	return int64(t)
}

// Add returns the time shifted by d, clamped to the representable range.
func (t Time) Add(d time.Duration) Time {
	ms := d.Milliseconds()
	if ms > 0 && int64(t) > math.MaxInt64-ms {
		return MaxTimestamp
	}
	if ms < 0 && int64(t) < math.MinInt64-ms {
		return MinTimestamp
	}
	return Time(int64(t) + ms)
}

func (t Time) String() string {
	switch t {
	case MinTimestamp:
		return "-inf"
	case MaxTimestamp:
		return "+inf"
	default:
		return fmt.Sprintf("%d", int64(t))
	}
}

// Min returns the earlier of a and b.
func Min(a, b Time) Time {
	if a < b {
		return a
	}
	return b
}

// Max returns the later of a and b.
func Max(a, b Time) Time {
	if a < b {
		return b
	}
	return a
}

// Watermark asserts that no further records below Timestamp will arrive on
// the stream that carried it.
type Watermark struct {
	Timestamp Time
}

func (w Watermark) String() string {
	return "W@" + w.Timestamp.String()
}
