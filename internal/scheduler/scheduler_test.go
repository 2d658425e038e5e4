package scheduler

import (
	"context"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	s := New()
	fired := make(chan struct{})
	s.After(context.Background(), "k1", 10*time.Millisecond, func(ctx context.Context) {
		close(fired)
	})

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("task never fired")
	}
}

func TestCancelPreventsFire(t *testing.T) {
	s := New()
	fired := make(chan struct{})
	s.After(context.Background(), "k1", 50*time.Millisecond, func(ctx context.Context) {
		close(fired)
	})
	s.Cancel("k1")

	select {
	case <-fired:
		t.Fatal("expected cancelled task not to fire")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestReschedulingUnderSameKeyCancelsPrevious(t *testing.T) {
	s := New()
	var firstFired, secondFired bool
	s.After(context.Background(), "k1", 20*time.Millisecond, func(ctx context.Context) {
		firstFired = true
	})
	s.After(context.Background(), "k1", 5*time.Millisecond, func(ctx context.Context) {
		secondFired = true
	})

	time.Sleep(60 * time.Millisecond)
	if firstFired {
		t.Error("expected first scheduling to have been cancelled")
	}
	if !secondFired {
		t.Error("expected second scheduling to fire")
	}
}

func TestPending(t *testing.T) {
	s := New()
	if s.Pending("k1") {
		t.Fatal("expected no task pending initially")
	}
	s.After(context.Background(), "k1", time.Second, func(ctx context.Context) {})
	if !s.Pending("k1") {
		t.Error("expected task to be pending")
	}
	s.Cancel("k1")
	if s.Pending("k1") {
		t.Error("expected task not pending after cancel")
	}
}
