package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronhub/internal/eventbus"
	logx "cronhub/pkg/logx"
)

func newTestEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), eventbus.New())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task result")
		return Result{}
	}
}

func TestSubmitRunsTaskAndCallsDone(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 2})
	done := make(chan Result, 1)
	err := s.Submit(context.Background(), Task{
		Name: "ok",
		Run:  func(ctx context.Context) error { return nil },
		Done: func(r Result) { done <- r },
	})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 1 || r.ID == "" {
		t.Fatalf("result = %+v, want success after one attempt with id", r)
	}
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1})
	var calls atomic.Int32
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(ctx context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
		Done: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err != nil || r.Attempts != 3 {
		t.Fatalf("result = %+v, want success on attempt 3", r)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, RetryMax: 5, RetryBase: time.Millisecond})
	permanent := errors.New("bad config")
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "broken",
		Run:  func(ctx context.Context) error { return NoRetry(permanent) },
		Done: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Attempts != 1 || !errors.Is(r.Err, permanent) || IsNoRetry(r.Err) {
		t.Fatalf("result = %+v, want one attempt with unwrapped error", r)
	}
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, RetryMax: -1})
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "panics",
		Opt:  TaskOptions{RetryMax: -1},
		Run:  func(ctx context.Context) error { panic("boom") },
		Done: func(r Result) { done <- r },
	})
	r := waitResult(t, done)
	if r.Err == nil {
		t.Fatal("expected panic to surface as error")
	}

	// The worker survives the panic.
	_ = s.Submit(context.Background(), Task{Name: "after", Run: func(ctx context.Context) error { return nil }, Done: func(r Result) { done <- r }})
	if r := waitResult(t, done); r.Err != nil {
		t.Fatalf("task after panic failed: %v", r.Err)
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 1, DefaultTimeout: 20 * time.Millisecond})
	done := make(chan Result, 1)
	_ = s.Submit(context.Background(), Task{
		Name: "slow",
		Opt:  TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Done: func(r Result) { done <- r },
	})
	if r := waitResult(t, done); !errors.Is(r.Err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", r.Err)
	}
}

func TestStopDrainsAcceptedTasks(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	var (
		mu   sync.Mutex
		ran  []string
		name = []string{"a", "b", "c"}
	)
	for _, n := range name {
		n := n
		err := s.Submit(context.Background(), Task{Name: n, Run: func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			ran = append(ran, n)
			mu.Unlock()
			return nil
		}})
		if err != nil {
			t.Fatalf("Submit(%s) error: %v", n, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(ran) != len(name) {
		t.Fatalf("ran %v, want all of %v", ran, name)
	}

	if err := s.Submit(context.Background(), Task{Name: "late", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Submit after Stop error = %v, want ErrStopped", err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func TestStopTimeoutCancelsInFlight(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1}, logx.Nop(), nil)
	_ = s.Start(context.Background())

	started := make(chan struct{})
	canceled := make(chan struct{})
	_ = s.Submit(context.Background(), Task{Name: "stuck", Opt: TaskOptions{RetryMax: -1}, Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(canceled)
		return ctx.Err()
	}})
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := s.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop error = %v, want deadline exceeded", err)
	}
	select {
	case <-canceled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight task was not canceled after drain timeout")
	}
}

func TestIdleTracksBusyWorkers(t *testing.T) {
	t.Parallel()
	s := newTestEngine(t, Config{Workers: 2})
	if got := s.Idle(); got != 2 {
		t.Fatalf("Idle() = %d, want 2", got)
	}
	release := make(chan struct{})
	started := make(chan struct{})
	_ = s.Submit(context.Background(), Task{Name: "busy", Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	<-started
	if got := s.Idle(); got != 1 {
		t.Fatalf("Idle() while busy = %d, want 1", got)
	}
	close(release)
	select {
	case <-s.Freed():
	case <-time.After(2 * time.Second):
		t.Fatal("Freed was not signaled")
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Submit(context.Background(), Task{Name: "x", Run: func(ctx context.Context) error { return nil }}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Submit error = %v, want ErrNotStarted", err)
	}
}

func TestBackoffIsBounded(t *testing.T) {
	t.Parallel()
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry int
		min   time.Duration
		max   time.Duration
	}{
		{1, 80 * time.Millisecond, 120 * time.Millisecond},
		{2, 160 * time.Millisecond, 240 * time.Millisecond},
		{10, 0, time.Second},
	}
	for _, tt := range tests {
		got := Backoff(tt.retry, 100*time.Millisecond, time.Second, 0.2, rng)
		if got < tt.min || got > tt.max {
			t.Fatalf("Backoff(%d) = %v, want within [%v, %v]", tt.retry, got, tt.min, tt.max)
		}
	}
}
