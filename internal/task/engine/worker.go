package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"cronhub/internal/eventbus"
	logx "cronhub/pkg/logx"
)

// newRand returns a per-worker RNG so concurrent retries don't contend on the
// global source.
func newRand(idx int) *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	rng := newRand(idx)
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-queue:
			s.execOne(t, rng)
		case <-stopCh:
			// Drain what was accepted before stopping.
			for {
				select {
				case t := <-queue:
					s.execOne(t, rng)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) execOne(qt queuedTask, rng *rand.Rand) {
	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.signalFreed()
	}()

	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if queueDelay < 0 || qt.enqueuedAt.IsZero() {
		queueDelay = 0
	}

	s.mu.Lock()
	base := s.runCtx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}

	retries := qt.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+retries; attempt++ {
		attempts = attempt
		err = s.runOnce(base, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > retries {
			break
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Any("err", err))
		tmr := time.NewTimer(delay)
		select {
		case <-base.Done():
			tmr.Stop()
			err = base.Err()
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.failed.Add(1)
		if s.shouldWarn(&s.lastFailWarnAt, time.Now()) {
			s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Any("err", err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
	} else {
		s.completed.Add(1)
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
	}
	s.record(item)

	if qt.task.Done != nil {
		res := Result{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Err: err}
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("task.done panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			qt.task.Done(res)
		}()
	}
}

// runOnce runs a single attempt with the task timeout. Panics become errors
// so one bad task can't kill a worker.
func (s *Service) runOnce(base context.Context, qt queuedTask) (err error) {
	runCtx := base
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(base, qt.timeout)
		defer cancel()
	}
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			if s.bus != nil {
				s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskPanicked, Time: time.Now(), Data: TaskEvent{
					ID: qt.task.ID, Name: qt.task.Name, Started: started, Duration: time.Since(started), Error: err.Error(),
				}})
			}
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
		}
		return jitter(d, opt.RetryJitter, opt.RetryMaxDelay, rng)
	}
	return Backoff(retry, opt.RetryBase, opt.RetryMaxDelay, opt.RetryJitter, rng)
}

// Backoff returns the jittered exponential delay before retry number retry
// (1-based), capped at maxD.
func Backoff(retry int, base, maxD time.Duration, j float64, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	return jitter(d, j, maxD, rng)
}

func jitter(d time.Duration, j float64, maxD time.Duration, rng *rand.Rand) time.Duration {
	if j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if maxD > 0 && d > maxD {
		d = maxD
	}
	return d
}
