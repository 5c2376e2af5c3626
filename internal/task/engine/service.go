package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cronhub/internal/eventbus"
	rtsup "cronhub/internal/runtime/supervisor"
	logx "cronhub/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopping
	stateStopped
)

// Service is a bounded worker pool. Stop drains: every accepted task runs to
// completion unless the stop context expires first, in which case in-flight
// runs are canceled.
type Service struct {
	mu    sync.Mutex
	cfg   Config
	log   logx.Logger
	bus   eventbus.Bus
	state lifecycle

	q      chan queuedTask
	stopCh chan struct{}
	sup    *rtsup.Supervisor

	// runCtx parents every task run; canceled only when a drain times out.
	runCtx    context.Context
	runCancel context.CancelFunc

	inFlight atomic.Int32
	freed    chan struct{}

	hmu     sync.Mutex
	history []HistoryItem

	idSeq     atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64

	lastFailWarnAt atomic.Int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		freed: make(chan struct{}, 1),
	}
}

// Start launches the workers. It is idempotent while running; a stopped
// engine cannot be started again.
func (s *Service) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.mu.Unlock()
		return nil
	case stateStopping, stateStopped:
		s.mu.Unlock()
		return ErrStopped
	}

	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		rtsup.WithCancelOnError(false),
	)
	s.state = stateRunning
	stopCh, queue, sup := s.stopCh, s.q, s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		idx := i
		// Workers are restarted if they exit while the engine is running.
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			s.worker(c, stopCh, queue, idx)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
	return nil
}

// Stop rejects new tasks, lets workers finish what was accepted and waits
// for them. If ctx expires first, in-flight runs are canceled and ctx.Err()
// is returned.
func (s *Service) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	switch s.state {
	case stateNew:
		s.state = stateStopped
		s.mu.Unlock()
		return nil
	case stateStopped:
		s.mu.Unlock()
		return nil
	case stateStopping:
		sup := s.sup
		s.mu.Unlock()
		return sup.Wait(ctx)
	}
	s.state = stateStopping
	close(s.stopCh)
	sup, queue := s.sup, s.q
	s.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("task engine drain timed out; canceling in-flight tasks", logx.Int("in_flight", int(s.inFlight.Load())))
		s.runCancel()
		sup.Cancel()
		return ctx.Err()
	}

	// A task may slip into the queue after the workers finished draining.
	for {
		select {
		case t := <-queue:
			s.execOne(t, newRand(-1))
			continue
		default:
		}
		break
	}

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	s.runCancel()
	s.log.Info("task engine stopped", logx.Uint64("completed", s.completed.Load()), logx.Uint64("failed", s.failed.Load()))
	return nil
}

// Submit enqueues a task and blocks until it is accepted, ctx is canceled,
// or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newTaskID(now)
	}

	s.mu.Lock()
	cfg, q, stopCh, state := s.cfg, s.q, s.stopCh, s.state
	s.mu.Unlock()

	switch state {
	case stateNew:
		return ErrNotStarted
	case stateStopping:
		return ErrStopping
	case stateStopped:
		return ErrStopped
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: t.Opt.withDefaults(cfg)}

	select {
	case <-stopCh:
		return ErrStopping
	default:
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stopCh:
		return ErrStopping
	}
}

// Idle is the number of tasks that could start right now.
func (s *Service) Idle() int {
	s.mu.Lock()
	workers, q, state := s.cfg.Workers, s.q, s.state
	s.mu.Unlock()
	if state != stateRunning {
		return 0
	}
	n := workers - int(s.inFlight.Load())
	if q != nil {
		n -= len(q)
	}
	if n < 0 {
		n = 0
	}
	return n
}

// Freed is signaled (coalesced) whenever a worker finishes a task.
func (s *Service) Freed() <-chan struct{} { return s.freed }

// Supervisor returns the engine's supervisor (nil before Start).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q, state := s.cfg, s.q, s.state
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:        state == stateRunning,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(s.inFlight.Load()),
		Idle:           s.Idle(),
		Completed:      s.completed.Load(),
		Failed:         s.failed.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		History:        h,
	}
}

func (s *Service) newTaskID(now time.Time) string {
	return fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
}

func (s *Service) shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) signalFreed() {
	select {
	case s.freed <- struct{}{}:
	default:
	}
}
