package timer

import (
	"sync"

	"github.com/google/btree"

	"ferry/eventtime"
	"ferry/state"
)

type entry struct {
	ts  eventtime.Time
	key string
}

func lessEntry(a, b entry) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.key < b.key
}

// MemoryService is an in-memory keyed timer service ordered by (timestamp,
// key). It lets tests and embedders run keyed operators without a host
// engine: registrations take the key from the backend at call time, and
// AdvanceWatermark/AdvanceClock fire due timers against a Triggerable
// exactly once each, in (timestamp, key) order.
type MemoryService struct {
	backend state.Backend
	target  Triggerable

	mu        sync.Mutex
	eventTime *btree.BTreeG[entry]
	procTime  *btree.BTreeG[entry]
	watermark eventtime.Time
	clock     eventtime.Time
}

func NewMemoryService(backend state.Backend, target Triggerable) *MemoryService {
	return &MemoryService{
		backend:   backend,
		target:    target,
		eventTime: btree.NewG(2, lessEntry),
		procTime:  btree.NewG(2, lessEntry),
		watermark: eventtime.MinTimestamp,
		clock:     eventtime.MinTimestamp,
	}
}

func (s *MemoryService) RegisterEventTimeTimer(t eventtime.Time) error {
	s.mu.Lock()
	s.eventTime.ReplaceOrInsert(entry{ts: t, key: string(s.backend.CurrentKey())})
	s.mu.Unlock()
	return nil
}

func (s *MemoryService) RegisterProcessingTimeTimer(t eventtime.Time) error {
	s.mu.Lock()
	s.procTime.ReplaceOrInsert(entry{ts: t, key: string(s.backend.CurrentKey())})
	s.mu.Unlock()
	return nil
}

func (s *MemoryService) DeleteEventTimeTimer(t eventtime.Time) error {
	s.mu.Lock()
	s.eventTime.Delete(entry{ts: t, key: string(s.backend.CurrentKey())})
	s.mu.Unlock()
	return nil
}

func (s *MemoryService) DeleteProcessingTimeTimer(t eventtime.Time) error {
	s.mu.Lock()
	s.procTime.Delete(entry{ts: t, key: string(s.backend.CurrentKey())})
	s.mu.Unlock()
	return nil
}

// AdvanceWatermark fires every event-time timer with timestamp at or below
// wm. A registration landing between collection and firing waits for the
// next advance.
func (s *MemoryService) AdvanceWatermark(wm eventtime.Watermark) error {
	s.mu.Lock()
	if wm.Timestamp > s.watermark {
		s.watermark = wm.Timestamp
	}
	due := popDue(s.eventTime, s.watermark)
	s.mu.Unlock()

	for _, e := range due {
		if err := s.target.OnEventTime(e.ts, []byte(e.key)); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceClock fires every processing-time timer with timestamp at or below
// now.
func (s *MemoryService) AdvanceClock(now eventtime.Time) error {
	s.mu.Lock()
	if now > s.clock {
		s.clock = now
	}
	due := popDue(s.procTime, s.clock)
	s.mu.Unlock()

	for _, e := range due {
		if err := s.target.OnProcessingTime(e.ts, []byte(e.key)); err != nil {
			return err
		}
	}
	return nil
}

// Watermark is the highest watermark advanced so far.
func (s *MemoryService) Watermark() eventtime.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Pending counts registered, unfired timers in one domain.
func (s *MemoryService) Pending(d Domain) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == DomainEventTime {
		return s.eventTime.Len()
	}
	return s.procTime.Len()
}

func popDue(tree *btree.BTreeG[entry], limit eventtime.Time) []entry {
	var due []entry
	tree.Ascend(func(e entry) bool {
		if e.ts > limit {
			return false
		}
		due = append(due, e)
		return true
	})
	for _, e := range due {
		tree.Delete(e)
	}
	return due
}
