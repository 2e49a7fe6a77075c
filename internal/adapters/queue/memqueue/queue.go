// Package memqueue is an in-memory ports.JobQueue used by tests: enqueued
// jobs are recorded per queue name and can be drained synchronously.
package memqueue

import (
	"context"
	"sync"

	"github.com/drivefast/mmsgw/internal/ports"
)

type Queue struct {
	mu   sync.Mutex
	jobs map[string][]ports.Job
}

func New() *Queue {
	return &Queue{jobs: map[string][]ports.Job{}}
}

func (q *Queue) Enqueue(ctx context.Context, queue string, job ports.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[queue] = append(q.jobs[queue], job)
	return nil
}

// Consume drains the named queues once, in order, then returns.
func (q *Queue) Consume(ctx context.Context, handler func(ctx context.Context, job ports.Job) error, queues ...string) error {
	for _, name := range queues {
		for {
			q.mu.Lock()
			pending := q.jobs[name]
			if len(pending) == 0 {
				q.mu.Unlock()
				break
			}
			job := pending[0]
			q.jobs[name] = pending[1:]
			q.mu.Unlock()
			if err := handler(ctx, job); err != nil {
				return err
			}
		}
	}
	return nil
}

// Jobs returns a snapshot of the pending jobs on the named queue.
func (q *Queue) Jobs(queue string) []ports.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]ports.Job(nil), q.jobs[queue]...)
}
