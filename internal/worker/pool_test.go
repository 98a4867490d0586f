package worker_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lvonguyen/urlintel/internal/worker"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 2, QueueSize: 10}, nil, nil)

	var ran int32
	for i := 0; i < 5; i++ {
		if err := p.Submit("task", func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Fatalf("expected 5 tasks run, got %d", got)
	}
}

func TestPool_QueueFull(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 1, QueueSize: 1}, nil, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(context.Context) error {
		close(started)
		<-release
		return nil
	}

	if err := p.Submit("blocker", block); err != nil {
		t.Fatalf("Submit blocker: %v", err)
	}
	<-started

	if err := p.Submit("queued", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Submit queued: %v", err)
	}
	err := p.Submit("overflow", func(context.Context) error { return nil })
	if !errors.Is(err, worker.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if got := p.QueueDepth(); got != 1 {
		t.Fatalf("QueueDepth = %d, want 1", got)
	}

	close(release)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 1}, nil, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := p.Submit("late", func(context.Context) error { return nil }); !errors.Is(err, worker.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	// A second shutdown is a no-op.
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestPool_ShutdownDeadlineCancelsRunningTasks(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 1}, nil, nil)

	started := make(chan struct{})
	var cancelled atomic.Bool
	if err := p.Submit("slow", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.Shutdown(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if !cancelled.Load() {
		t.Fatal("expected running task to observe cancellation")
	}
}

func TestPool_TaskTimeout(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 1, TaskTimeout: 10 * time.Millisecond}, nil, nil)

	var mu sync.Mutex
	var taskErr error
	if err := p.Submit("bounded", func(ctx context.Context) error {
		<-ctx.Done()
		mu.Lock()
		taskErr = ctx.Err()
		mu.Unlock()
		return ctx.Err()
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(taskErr, context.DeadlineExceeded) {
		t.Fatalf("expected task deadline, got %v", taskErr)
	}
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	t.Parallel()

	p := worker.New(worker.Options{Workers: 1, QueueSize: 4}, nil, nil)

	var ran atomic.Bool
	_ = p.Submit("panics", func(context.Context) error { panic("boom") })
	_ = p.Submit("after", func(context.Context) error {
		ran.Store(true)
		return nil
	})

	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !ran.Load() {
		t.Fatal("expected task after panic to run")
	}
}
