package runner

import (
	"context"
	"errors"
	"sync"
)

// ErrGateClosed reports an Acquire against a closed gate.
var ErrGateClosed = errors.New("runner: gate closed")

// Gate is a counting admission gate bounding outstanding frames. Acquire
// blocks while the gate is saturated, so a slow worker backpressures the
// operator thread instead of buffering unboundedly.
type Gate struct {
	limit int

	mu       sync.Mutex
	cond     *sync.Cond
	inFlight int
	closed   bool
}

func NewGate(limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	g := &Gate{limit: limit}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *Gate) Acquire(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		g.mu.Lock()
		g.cond.Broadcast()
		g.mu.Unlock()
	})
	defer stop()

	g.mu.Lock()
	defer g.mu.Unlock()
	for g.inFlight >= g.limit && !g.closed && ctx.Err() == nil {
		g.cond.Wait()
	}
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case g.closed:
		return ErrGateClosed
	}
	g.inFlight++
	return nil
}

func (g *Gate) Release() {
	g.mu.Lock()
	if g.inFlight > 0 {
		g.inFlight--
	}
	g.mu.Unlock()
	g.cond.Broadcast()
}

// InFlight is the number of admitted, unreleased frames.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight
}

// Close unblocks every waiter with ErrGateClosed.
func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cond.Broadcast()
}
