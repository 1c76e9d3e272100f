package orchestrator

import (
	"container/list"
	"context"
	"sync"
)

// gate admits one holder at a time. Waiters are served strictly in arrival
// order and at most bound of them may wait; release hands the gate directly
// to the head of the queue so no late arrival can overtake it.
type gate struct {
	mu    sync.Mutex
	busy  bool
	queue *list.List // of chan struct{}, closed on hand-off
	bound int
}

func newGate(bound int) *gate {
	return &gate{queue: list.New(), bound: bound}
}

// acquire blocks until the caller holds the gate. It fails immediately with
// ErrBackendUnavailable when the queue is full, and with ctx.Err() if ctx
// ends first, in which case the caller's queue slot is given up. accepted,
// if non-nil, runs once the caller holds the gate or a queue slot.
func (g *gate) acquire(ctx context.Context, accepted func()) error {
	g.mu.Lock()
	if !g.busy && g.queue.Len() == 0 {
		g.busy = true
		g.mu.Unlock()
		if accepted != nil {
			accepted()
		}
		return nil
	}
	if g.queue.Len() >= g.bound {
		g.mu.Unlock()
		return ErrBackendUnavailable
	}
	ch := make(chan struct{})
	elem := g.queue.PushBack(ch)
	queueDepth.Set(float64(g.queue.Len()))
	g.mu.Unlock()
	if accepted != nil {
		accepted()
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
	}

	g.mu.Lock()
	select {
	case <-ch:
		// Handed off while we were giving up; pass it on.
		g.mu.Unlock()
		g.release()
	default:
		g.queue.Remove(elem)
		queueDepth.Set(float64(g.queue.Len()))
		g.mu.Unlock()
	}
	return ctx.Err()
}

// release passes the gate to the oldest waiter, or frees it.
func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	front := g.queue.Front()
	if front == nil {
		g.busy = false
		return
	}
	g.queue.Remove(front)
	queueDepth.Set(float64(g.queue.Len()))
	close(front.Value.(chan struct{}))
}

func (g *gate) stats() (busy bool, queued int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy, g.queue.Len()
}
