package jobs

import (
	"sync"

	"readly/internal/model"
)

// queueDepth bounds the per-job event queue. A job emits at most a handful
// of transitions; events beyond the bound are dropped rather than blocking
// the pipeline, and the job record stays the source of truth.
const queueDepth = 32

type subscription struct {
	ch     chan model.Event
	closed bool
}

func (s *subscription) close() {
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers without blocking; a full queue drops the event.
func (s *subscription) send(ev model.Event) {
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

// Broadcaster fans job transitions out to at most one live subscriber per
// job. Subscribing replaces any previous subscriber for the same job, a
// terminal event closes the stream, and publishing to a job with no
// subscriber is a no-op.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[string]*subscription
}

// NewBroadcaster returns an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*subscription)}
}

// Subscribe opens a live stream for jobID. The snapshot event is queued
// first so a subscriber connecting mid-flight (or after the terminal
// transition) is never left waiting; history is not replayed. The caller
// must invoke cancel when done reading.
func (b *Broadcaster) Subscribe(jobID string, snapshot model.Event) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.subs[jobID]; ok {
		prev.close()
	}
	sub := &subscription{ch: make(chan model.Event, queueDepth)}
	b.subs[jobID] = sub
	sub.send(snapshot)
	if snapshot.Terminal() {
		sub.close()
		delete(b.subs, jobID)
	}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.subs[jobID]; ok && cur == sub {
			delete(b.subs, jobID)
		}
		sub.close()
	}
	return sub.ch, cancel
}

// Publish queues ev for the job's subscriber, if any. Terminal events
// close the stream afterwards.
func (b *Broadcaster) Publish(jobID string, ev model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[jobID]
	if !ok {
		return
	}
	sub.send(ev)
	if ev.Terminal() {
		sub.close()
		delete(b.subs, jobID)
	}
}
