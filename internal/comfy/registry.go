package comfy

import (
	"sync"

	"github.com/seantiz/swapbooth/internal/model"
)

// waiter is the single-fire completion signal for one submitted job.
type waiter struct {
	id       string
	state    model.JobState
	fired    bool
	done     chan TerminalEvent // buffered 1; receives exactly one value
	lost     <-chan struct{}    // closed when the stream the job was submitted on ends
	progress func(Event)
}

// registry maps engine job ids to pending waiters. Entries are removed by
// the awaiting side once it returns, so the map only ever holds jobs that
// some caller is still interested in. Events for ids not in the map are
// discarded by the stream reader.
type registry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

func newRegistry() *registry {
	return &registry{waiters: make(map[string]*waiter)}
}

func (r *registry) register(id string, lost <-chan struct{}, progress func(Event)) *waiter {
	w := &waiter{
		id:       id,
		state:    model.StateQueued,
		done:     make(chan TerminalEvent, 1),
		lost:     lost,
		progress: progress,
	}
	r.mu.Lock()
	r.waiters[id] = w
	r.mu.Unlock()
	return w
}

func (r *registry) lookup(id string) (*waiter, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	return w, ok
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	delete(r.waiters, id)
	r.mu.Unlock()
}

// rekey moves a waiter registered under a client-chosen id to the id the
// engine actually assigned.
func (r *registry) rekey(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[from]
	if !ok {
		return
	}
	delete(r.waiters, from)
	w.id = to
	r.waiters[to] = w
}

// markExecuting records the execution-start transition. It returns the
// waiter's progress callback, or nil if the job is unknown.
func (r *registry) markExecuting(id string) (func(Event), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	if !ok || w.fired {
		return nil, false
	}
	if model.ValidTransition(w.state, model.StateExecuting) {
		w.state = model.StateExecuting
	}
	return w.progress, true
}

// progressFor returns the progress callback for a live job.
func (r *registry) progressFor(id string) (func(Event), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	if !ok || w.fired {
		return nil, false
	}
	return w.progress, true
}

// fire delivers the terminal event for id. Only the first call for a given
// waiter has any effect; it reports whether delivery happened.
func (r *registry) fire(id string, ev TerminalEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	if !ok || w.fired {
		return false
	}
	if !model.ValidTransition(w.state, ev.State) {
		// A success without an observed start is still a completion.
		if ev.State != model.StateCompleted || w.state != model.StateQueued {
			return false
		}
	}
	w.fired = true
	w.state = ev.State
	w.done <- ev
	return true
}

func (r *registry) state(id string) (model.JobState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[id]
	if !ok {
		return "", false
	}
	return w.state, true
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}
