package wire

import (
	"errors"

	"ferry/eventtime"
)

// ErrQueueEmpty reports a peek or pop against an empty pending queue. The
// runner acknowledged more inputs than it was handed.
var ErrQueueEmpty = errors.New("wire: pending timestamp queue is empty")

// TimestampQueue holds the event timestamps of frames handed to the runner
// and not yet fully acknowledged, in send order. Outputs are stamped with
// the head entry; only the end-of-input marker removes it.
//
// Owned by the operator thread; not safe for concurrent use.
type TimestampQueue struct {
	items []eventtime.Time
	head  int
}

func NewTimestampQueue() *TimestampQueue { return &TimestampQueue{} }

func (q *TimestampQueue) Push(t eventtime.Time) { q.items = append(q.items, t) }

// Peek returns the timestamp of the oldest unacknowledged frame.
func (q *TimestampQueue) Peek() (eventtime.Time, error) {
	if q.head == len(q.items) {
		return 0, ErrQueueEmpty
	}
	return q.items[q.head], nil
}

func (q *TimestampQueue) Pop() (eventtime.Time, error) {
	if q.head == len(q.items) {
		return 0, ErrQueueEmpty
	}
	t := q.items[q.head]
	q.head++
	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 64 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return t, nil
}

// Len is the number of sent frames still awaiting acknowledgment.
func (q *TimestampQueue) Len() int { return len(q.items) - q.head }

func (q *TimestampQueue) Reset() {
	q.items = q.items[:0]
	q.head = 0
}
