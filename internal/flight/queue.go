// Package flight runs a task so that executions never overlap. Requests
// arriving while a run is in flight collapse into a single follow-up run.
package flight

import (
	"context"
	"sync"
)

// Queue serializes runs of one task.
type Queue struct {
	task    func(ctx context.Context) error
	onError func(error)

	ctx context.Context

	mu      sync.Mutex
	cond    *sync.Cond
	running bool
	pending bool
	closed  bool
	runs    int
}

// New creates a queue that runs task with ctx. onError, if non-nil,
// receives every error a run returns.
func New(ctx context.Context, task func(ctx context.Context) error, onError func(error)) *Queue {
	q := &Queue{
		task:    task,
		onError: onError,
		ctx:     ctx,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Trigger requests a run. If none is in flight one starts now; otherwise
// exactly one more run is scheduled after the current one, however many
// times Trigger is called meanwhile. It reports false once the queue is
// closed.
func (q *Queue) Trigger() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.running {
		q.pending = true
		return true
	}
	q.running = true
	go q.loop()
	return true
}

func (q *Queue) loop() {
	for {
		err := q.task(q.ctx)
		if err != nil && q.onError != nil {
			q.onError(err)
		}

		q.mu.Lock()
		q.runs++
		if !q.pending || q.closed {
			q.running = false
			q.pending = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		q.pending = false
		q.mu.Unlock()
	}
}

// Wait blocks until no run is in flight or pending.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running {
		q.cond.Wait()
	}
}

// Runs returns the number of completed runs.
func (q *Queue) Runs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.runs
}

// Close rejects further triggers. A run already in flight is not
// interrupted, but its pending follow-up is dropped.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
