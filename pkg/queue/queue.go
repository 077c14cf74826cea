// Package queue provides the in-process FIFO of post-upload jobs. Upload
// handlers push, a single worker pops. The queue is unbounded so pushes
// never block a request handler.
package queue

import (
	"context"
	"sync"
)

// Job describes one uploaded object awaiting processing.
type Job struct {
	ObjectID string
	Path     string
	FileName string
	// Shared marks objects owned by a shared folder rather than a user;
	// it selects which table the resulting tags are written to.
	Shared   bool
	FolderID int64
}

// Queue is an unbounded FIFO safe for concurrent use.
type Queue struct {
	mu   sync.Mutex
	jobs []Job
	wake chan struct{}
}

func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push enqueues a job. It never blocks.
func (q *Queue) Push(j Job) {
	q.mu.Lock()
	q.jobs = append(q.jobs, j)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest job, blocking until one is available
// or ctx is cancelled.
func (q *Queue) Pop(ctx context.Context) (Job, error) {
	for {
		q.mu.Lock()
		if len(q.jobs) > 0 {
			j := q.jobs[0]
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			return j, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len reports the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
