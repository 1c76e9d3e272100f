package orchestrator

import (
	"sync"
	"time"

	"github.com/seantiz/swapbooth/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Progress is one step of a job as seen by progress subscribers.
type Progress struct {
	JobID string         `json:"job_id"`
	Stage string         `json:"stage"`
	State model.JobState `json:"state"`
	Node  string         `json:"node,omitempty"`
	Value int            `json:"value,omitempty"`
	Max   int            `json:"max,omitempty"`
	Error string         `json:"error,omitempty"`
	At    time.Time      `json:"at"`
}

// Job stages published before and after the engine's own events.
const (
	StageQueued    = "queued"
	StageAdmitted  = "admitted"
	StageUploading = "uploading"
	StageSubmitted = "submitted"
	StageFetching  = "fetching"
	StageFinished  = "finished"
)

// Broker fans out per-job progress to subscribers. It is safe for
// concurrent use.
//
// Closed topics are retained as markers so that late subscribers (those
// subscribing after a job finishes) receive a closed channel instead of
// blocking forever.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan Progress
	nextID int
	closed bool
}

// NewBroker creates a new progress broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Subscribe returns a channel that receives progress for the given job and
// an unsubscribe function. If the job has already finished, the returned
// channel is immediately closed.
func (b *Broker) Subscribe(jobID string) (<-chan Progress, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		t = &topic{subs: make(map[int]chan Progress)}
		b.topics[jobID] = t
	}

	ch := make(chan Progress, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends p to all subscribers of the given job. Events are dropped
// for subscribers whose buffers are full.
func (b *Broker) Publish(jobID string, p Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- p:
		default:
		}
	}
}

// Close signals that no more progress will be published for the given job.
func (b *Broker) Close(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[jobID]
	if !ok {
		b.topics[jobID] = &topic{subs: make(map[int]chan Progress), closed: true}
		return
	}

	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}
