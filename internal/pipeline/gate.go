package pipeline

import (
	"context"
	"sync"
)

// gate holds the pause and cancel flags a batch checks before every unit of work.
type gate struct {
	mu      sync.Mutex
	paused  bool
	resumed chan struct{}

	cancelOnce sync.Once
	cancelled  chan struct{}
}

func newGate() *gate {
	resumed := make(chan struct{})
	close(resumed)
	return &gate{resumed: resumed, cancelled: make(chan struct{})}
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.resumed = make(chan struct{})
	}
}

func (g *gate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resumed)
	}
}

func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *gate) cancel() {
	g.cancelOnce.Do(func() { close(g.cancelled) })
}

func (g *gate) isCancelled(ctx context.Context) bool {
	select {
	case <-g.cancelled:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// wait blocks while paused. It returns false when the batch was cancelled,
// either through cancel or ctx.
func (g *gate) wait(ctx context.Context) bool {
	if g.isCancelled(ctx) {
		return false
	}
	g.mu.Lock()
	resumed := g.resumed
	g.mu.Unlock()

	select {
	case <-resumed:
	case <-g.cancelled:
		return false
	case <-ctx.Done():
		return false
	}
	return !g.isCancelled(ctx)
}
