package batch

import (
	"context"
	"sync"
)

// gate implements cooperative pause. The runner waits on it between
// processing units, never mid-unit, so a paused batch always sits at a
// unit boundary with no partially written outputs.
type gate struct {
	mu     sync.Mutex
	resume chan struct{} // closed while running
}

func newGate() *gate {
	g := &gate{resume: make(chan struct{})}
	close(g.resume)
	return g
}

func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
		g.resume = make(chan struct{})
	default:
		// already paused
	}
}

func (g *gate) unpause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.resume:
		// already running
	default:
		close(g.resume)
	}
}

// wait blocks while the gate is paused. It returns the context error
// when the batch is cancelled.
func (g *gate) wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()
	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
