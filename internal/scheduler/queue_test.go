package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestBoundedQueueRunsJobsInOrder(t *testing.T) {
	q := NewBoundedQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, nil)

	var order []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		last := i == 4
		if err := q.Enqueue(ctx, func(ctx context.Context) error {
			order = append(order, i)
			if last {
				close(done)
			}
			return nil
		}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("jobs never completed")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("expected in-order execution, got %v", order)
		}
	}
}

func TestBoundedQueueErrorDoesNotStopConsumer(t *testing.T) {
	q := NewBoundedQueue(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var errCount int32
	go q.Run(ctx, func(err error) { atomic.AddInt32(&errCount, 1) })

	if err := q.Enqueue(ctx, func(ctx context.Context) error {
		return errors.New("boom")
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	second := make(chan struct{})
	if err := q.Enqueue(ctx, func(ctx context.Context) error {
		close(second)
		return nil
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("consumer stopped after erroring job")
	}
	if atomic.LoadInt32(&errCount) != 1 {
		t.Fatalf("expected exactly one error callback, got %d", errCount)
	}
}

func TestBoundedQueueCloseStopsConsumer(t *testing.T) {
	q := NewBoundedQueue(1)
	ctx := context.Background()
	q.Close()

	if err := q.Enqueue(ctx, func(ctx context.Context) error { return nil }); err == nil {
		t.Fatal("expected enqueue to a closed queue to fail")
	}
}
