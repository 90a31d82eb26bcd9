package jobs

import (
	"sync"

	"readly/internal/model"
)

// waiterSet holds channels notified once when a job reaches a terminal
// state. It backs the synchronous conversion endpoint; unlike the event
// broadcaster it delivers the final job record, not the transition stream.
type waiterSet struct {
	mu sync.Mutex
	m  map[string][]chan *model.Job
}

func newWaiterSet() *waiterSet {
	return &waiterSet{m: make(map[string][]chan *model.Job)}
}

func (w *waiterSet) register(jobID string) chan *model.Job {
	ch := make(chan *model.Job, 1)
	w.mu.Lock()
	w.m[jobID] = append(w.m[jobID], ch)
	w.mu.Unlock()
	return ch
}

// notify delivers the terminal job to every registered waiter and clears
// the set. The buffered send never blocks the caller.
func (w *waiterSet) notify(job *model.Job) {
	w.mu.Lock()
	waiters := w.m[job.ID]
	delete(w.m, job.ID)
	w.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- job:
		default:
		}
		close(ch)
	}
}

func (w *waiterSet) unregister(jobID string, ch chan *model.Job) {
	w.mu.Lock()
	defer w.mu.Unlock()
	waiters := w.m[jobID]
	for i, c := range waiters {
		if c == ch {
			w.m[jobID] = append(waiters[:i], waiters[i+1:]...)
			close(ch)
			break
		}
	}
	if len(w.m[jobID]) == 0 {
		delete(w.m, jobID)
	}
}
