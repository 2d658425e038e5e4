package scheduler

import (
	"context"
	"fmt"
)

// Job is one unit of work enqueued on a BoundedQueue.
type Job func(ctx context.Context) error

// BoundedQueue is a single-consumer, bounded FIFO job queue, used by the
// Dividend Processor so a slow payout window cannot unbound memory growth
// while later windows keep becoming schedulable.
type BoundedQueue struct {
	jobs chan Job
	done chan struct{}
}

// NewBoundedQueue creates a queue with room for capacity pending jobs.
// Enqueue blocks once the queue is full, applying backpressure to callers.
func NewBoundedQueue(capacity int) *BoundedQueue {
	return &BoundedQueue{
		jobs: make(chan Job, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue submits a job, blocking if the queue is full or ctx is cancelled.
func (q *BoundedQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-q.done:
		return fmt.Errorf("queue closed")
	default:
	}

	select {
	case q.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return fmt.Errorf("queue closed")
	}
}

// Run consumes jobs one at a time until ctx is cancelled or Close is
// called. onError, if non-nil, is invoked for every job returning an error;
// a single failed job never stops the consumer.
func (q *BoundedQueue) Run(ctx context.Context, onError func(error)) {
	for {
		select {
		case job := <-q.jobs:
			if err := job(ctx); err != nil && onError != nil {
				onError(err)
			}
		case <-ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}

// Close stops Run and causes pending Enqueue calls to fail.
func (q *BoundedQueue) Close() {
	close(q.done)
}
