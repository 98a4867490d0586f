// Package worker runs background pipelines on a fixed set of goroutines fed
// by a bounded queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/urlintel/internal/observability"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned by Submit after Shutdown has started.
	ErrClosed = errors.New("worker pool closed")
)

// Task is one unit of background work. The context is derived from the
// pool's base context and bounded by Options.TaskTimeout.
type Task func(ctx context.Context) error

type Options struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	// TaskTimeout bounds a single task. Zero disables the bound.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.TaskTimeout < 0 {
		o.TaskTimeout = 0
	}
	return o
}

type job struct {
	name string
	run  Task
}

// Pool is a bounded worker pool.
type Pool struct {
	opts    Options
	jobs    chan job
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *observability.Metrics

	mu     sync.RWMutex
	closed bool
}

// New starts opts.Workers goroutines.
func New(opts Options, logger *zap.Logger, metrics *observability.Metrics) *Pool {
	opts = opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		opts:    opts,
		jobs:    make(chan job, opts.QueueSize),
		baseCtx: ctx,
		cancel:  cancel,
		logger:  logger.With(zap.String("component", "worker")),
		metrics: metrics,
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues task without blocking.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}

	select {
	case p.jobs <- job{name: name, run: task}:
		p.metrics.SetQueueDepth(len(p.jobs))
		return nil
	default:
		p.metrics.ObserveTask("rejected")
		return ErrQueueFull
	}
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.jobs)
}

// Shutdown stops accepting tasks and waits for queued ones to finish. When
// ctx ends first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return fmt.Errorf("draining worker pool: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.metrics.SetQueueDepth(len(p.jobs))
		p.runOne(j)
	}
}

func (p *Pool) runOne(j job) {
	ctx := p.baseCtx
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			p.metrics.ObserveTask("panic")
			p.logger.Error("Task panicked", zap.String("task", j.name), zap.Any("panic", r))
		}
	}()

	if ctx.Err() != nil {
		p.metrics.ObserveTask("cancelled")
		p.logger.Warn("Task dropped at shutdown", zap.String("task", j.name))
		return
	}

	if err := j.run(ctx); err != nil {
		p.metrics.ObserveTask("failed")
		p.logger.Warn("Task failed", zap.String("task", j.name), zap.Error(err))
		return
	}
	p.metrics.ObserveTask("ok")
}
