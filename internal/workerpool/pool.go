// Package workerpool runs blocking synthesis work on a bounded set of
// goroutines so request handlers never execute it themselves.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrSaturated means every worker is busy and the wait queue is full.
	ErrSaturated = errors.New("worker pool saturated")
	ErrClosed    = errors.New("worker pool closed")
	ErrPanic     = errors.New("task panicked")
)

type Stats struct {
	Size    int
	Running int
	Waiting int
}

type Pool struct {
	pool *ants.Pool
	log  *slog.Logger
}

// New creates a pool of size workers. Up to queueDepth submitters may wait
// for a free worker; further submissions fail with ErrSaturated.
func New(size, queueDepth int, log *slog.Logger) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("worker pool size must be positive, got %d", size)
	}
	p := &Pool{log: log.With(slog.String("component", "worker-pool"))}
	opts := []ants.Option{
		ants.WithPanicHandler(func(v any) {
			p.log.Error("worker panic escaped task wrapper", slog.Any("panic", v))
		}),
	}
	// ants treats a zero blocking limit as unbounded
	if queueDepth > 0 {
		opts = append(opts, ants.WithMaxBlockingTasks(queueDepth))
	} else {
		opts = append(opts, ants.WithNonblocking(true))
	}
	pool, err := ants.NewPool(size, opts...)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	p.pool = pool

	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p, nil
}

// Submit schedules fn without waiting for it. It blocks while all workers
// are busy and the queue has room.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	return p.submit(ctx, func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("task panicked", slog.Any("panic", rec))
			}
		}()
		fn()
	})
}

func (p *Pool) submit(ctx context.Context, task func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := p.pool.Submit(task)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ants.ErrPoolOverload):
		return ErrSaturated
	case errors.Is(err, ants.ErrPoolClosed):
		return ErrClosed
	default:
		return err
	}
}

// Do runs fn on a worker and waits for its result. If ctx ends first Do
// returns ctx.Err(); fn keeps running to completion on its worker.
func Do[T any](ctx context.Context, p *Pool, fn func() (T, error)) (T, error) {
	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	err := p.submit(ctx, func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("task panicked", slog.Any("panic", rec))
				done <- result{err: fmt.Errorf("%w: %v", ErrPanic, rec)}
			}
		}()
		v, err := fn()
		done <- result{value: v, err: err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Size:    p.pool.Cap(),
		Running: p.pool.Running(),
		Waiting: p.pool.Waiting(),
	}
}

// Release stops accepting work and waits up to timeout for running tasks.
func (p *Pool) Release(timeout time.Duration) error {
	if err := p.pool.ReleaseTimeout(timeout); err != nil {
		return fmt.Errorf("drain worker pool: %w", err)
	}
	return nil
}

func (p *Pool) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-tts/workerpool")
	running, err := meter.Int64ObservableGauge("loqa.tts.workers_running", metric.WithDescription("Workers executing a task"))
	if err != nil {
		return err
	}
	waiting, err := meter.Int64ObservableGauge("loqa.tts.workers_waiting", metric.WithDescription("Submitters waiting for a worker"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		stats := p.Stats()
		obs.ObserveInt64(running, int64(stats.Running))
		obs.ObserveInt64(waiting, int64(stats.Waiting))
		return nil
	}, running, waiting)
	return err
}
