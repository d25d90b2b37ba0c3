package workerpool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, size, queue int) *Pool {
	t.Helper()
	p, err := New(size, queue, testLogger())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	t.Cleanup(func() { _ = p.Release(5 * time.Second) })
	return p
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDoBoundsConcurrency(t *testing.T) {
	p := newTestPool(t, 2, 32)
	var running, peak atomic.Int32

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := Do(context.Background(), p, func() (int, error) {
				n := running.Add(1)
				for {
					old := peak.Load()
					if n <= old || peak.CompareAndSwap(old, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return i * 2, nil
			})
			if err != nil {
				t.Errorf("task %d: %v", i, err)
				return
			}
			if v != i*2 {
				t.Errorf("task %d returned %d", i, v)
			}
		}(i)
	}
	wg.Wait()
	if peak.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", peak.Load())
	}
}

func TestSaturatedQueueRejects(t *testing.T) {
	p := newTestPool(t, 1, 1)
	block := make(chan struct{})
	defer close(block)

	if err := p.Submit(context.Background(), func() { <-block }); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	waitFor(t, func() bool { return p.Stats().Running == 1 })

	queued := make(chan error, 1)
	go func() {
		queued <- p.Submit(context.Background(), func() {})
	}()
	waitFor(t, func() bool { return p.Stats().Waiting == 1 })

	_, err := Do(context.Background(), p, func() (struct{}, error) { return struct{}{}, nil })
	if !errors.Is(err, ErrSaturated) {
		t.Fatalf("expected ErrSaturated, got %v", err)
	}

	block <- struct{}{}
	if err := <-queued; err != nil {
		t.Fatalf("queued submit: %v", err)
	}
}

func TestPanicBecomesError(t *testing.T) {
	p := newTestPool(t, 1, 1)
	_, err := Do(context.Background(), p, func() (int, error) {
		panic("bad model state")
	})
	if !errors.Is(err, ErrPanic) {
		t.Fatalf("expected ErrPanic, got %v", err)
	}
	v, err := Do(context.Background(), p, func() (int, error) { return 7, nil })
	if err != nil || v != 7 {
		t.Fatalf("pool unusable after panic: v=%d err=%v", v, err)
	}
}

func TestDoHonoursContext(t *testing.T) {
	p := newTestPool(t, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	finished := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, p, func() (int, error) {
		defer close(finished)
		time.Sleep(100 * time.Millisecond)
		return 1, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("abandoned task did not run to completion")
	}

	if _, err := Do(ctx, p, func() (int, error) { return 0, nil }); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled submit to fail fast, got %v", err)
	}
}

func TestReleaseRejectsNewWork(t *testing.T) {
	p, err := New(1, 1, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(time.Second); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := p.Submit(context.Background(), func() {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestInvalidSize(t *testing.T) {
	if _, err := New(0, 1, testLogger()); err == nil {
		t.Fatal("expected error for zero workers")
	}
}
