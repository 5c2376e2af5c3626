package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"cronhub/internal/eventbus"
	"cronhub/internal/executor"
	"cronhub/internal/jobs"
	"cronhub/internal/notifier"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"
)

// minPoll keeps the loop from spinning when the store reports a due time
// that acquisition cannot claim (for example a hold owned elsewhere).
const minPoll = 100 * time.Millisecond

// storeOpTimeout bounds each attempt of a store write made on behalf of a fire.
const storeOpTimeout = 10 * time.Second

func New(cfg Config, store storage.Store, calc *trigger.Calculator, eng *engine.Service, exec Executor, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		store:    store,
		calc:     calc,
		engine:   eng,
		exec:     exec,
		metrics:  nopMetrics{},
		now:      time.Now,
		wake:     make(chan struct{}, 1),
		inflight: map[jobs.Key]chan struct{}{},
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		lastWarn: map[string]warnState{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Apply updates the loop tunables. It is safe while running.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
	s.invalidate()
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Running reports whether the loop is acquiring triggers.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Start reclaims holds left by a previous process and starts the loop. It is
// idempotent while running and returns jobs.ErrRestartUnsupported once the
// service has been stopped.
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
		return jobs.ErrRestartUnsupported
	}
	s.mu.Unlock()

	// Nothing can be in flight before the first start, so every hold is
	// left over from a previous process.
	if !s.manualOnly {
		var reclaimed []jobs.Key
		err := s.withStoreRetry(ctx, "recover", func(c context.Context) error {
			var err error
			reclaimed, err = s.store.ReleaseStale(c, s.now().Add(time.Nanosecond))
			return err
		})
		if err != nil {
			return err
		}
		s.reportReclaimed(reclaimed, "startup")
	}

	if err := s.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	s.mu.Lock()
	if s.state != stateNew {
		s.mu.Unlock()
		return nil
	}
	s.sup = rtsup.NewSupervisor(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		rtsup.WithCancelOnError(false),
	)
	s.state = stateRunning
	sup := s.sup
	s.mu.Unlock()

	s.invalidate()
	if !s.manualOnly {
		sup.GoRestart("loop", s.loop, rtsup.WithPublishFirstError(true), rtsup.WithStopOnCleanExit(true))
		sup.GoRestart("recover", s.recoverLoop, rtsup.WithPublishFirstError(true), rtsup.WithStopOnCleanExit(true))
	}

	s.metrics.Running(true)
	s.publish(eventbus.TypeSchedulerStarted, nil)
	s.log.Info("scheduler started",
		logx.Bool("manual_only", s.manualOnly),
		logx.String("tz", s.calc.Location().String()),
		logx.Int("batch", s.config().BatchSize),
		logx.Duration("misfire_threshold", s.calc.MisfireThreshold()),
	)
	return nil
}

// Stop halts acquisition and waits for in-flight fires to finish and record
// their outcome. If ctx expires first the remaining fires are canceled and
// ctx.Err() is returned; their holds are reclaimed on the next start.
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
	case stateStopping, stateStopped:
		s.mu.Unlock()
		return nil
	}
	s.state = stateStopping
	sup := s.sup
	s.mu.Unlock()

	start := time.Now()
	sup.Cancel()
	loopErr := sup.Wait(ctx)
	engErr := s.engine.Stop(ctx)

	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
	s.metrics.Running(false)
	s.publish(eventbus.TypeSchedulerStopped, nil)

	if engErr != nil {
		s.log.Warn("scheduler stop timed out", logx.Duration("took", time.Since(start)), logx.Int("in_flight", s.inFlight()))
		return engErr
	}
	if loopErr != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		acquired, full := s.dispatchDue(ctx)
		if full {
			continue
		}

		wait := s.nextWait(ctx, acquired)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-s.wake:
		case <-s.engine.Freed():
		case <-t.C:
		}
		t.Stop()
	}
}

// dispatchDue acquires and submits what is due now. full reports that the
// batch was exhausted, so more may be waiting.
func (s *Service) dispatchDue(ctx context.Context) (acquired int, full bool) {
	idle := s.engine.Idle()
	if idle <= 0 {
		return 0, false
	}
	batch := min(s.config().BatchSize, idle)

	var fires []storage.Fire
	err := s.withStoreRetry(ctx, "acquire", func(c context.Context) error {
		var err error
		fires, err = s.store.AcquireDueTriggers(c, s.now(), batch)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.storeFailed("acquire", jobs.Key{}, err)
		}
		return 0, false
	}
	if len(fires) > 0 {
		s.invalidate()
	}
	for _, f := range fires {
		_ = s.submit(ctx, f)
	}
	return len(fires), len(fires) == batch
}

func (s *Service) nextWait(ctx context.Context, acquired int) time.Duration {
	idleWait := s.config().IdleWait
	if s.engine.Idle() <= 0 {
		// Freed wakes the loop as soon as a worker is available.
		return idleWait
	}
	now := s.now()
	next, ok, err := s.nextFireTime(ctx, now)
	if err != nil || !ok {
		return idleWait
	}
	d := next.Sub(now)
	if d <= 0 {
		if acquired == 0 {
			return minPoll
		}
		return 0
	}
	return min(d, idleWait)
}

func (s *Service) nextFireTime(ctx context.Context, now time.Time) (time.Time, bool, error) {
	s.cmu.Lock()
	if s.cacheOK && (s.cacheNone || s.cacheAt.After(now)) {
		at, none := s.cacheAt, s.cacheNone
		s.cmu.Unlock()
		return at, !none, nil
	}
	s.cmu.Unlock()

	at, ok, err := s.store.NextFireTime(ctx, now)
	if err != nil {
		return time.Time{}, false, err
	}
	s.cmu.Lock()
	s.cacheOK, s.cacheAt, s.cacheNone = true, at, !ok
	s.cmu.Unlock()
	return at, ok, nil
}

// invalidate drops the cached due time and wakes the loop.
func (s *Service) invalidate() {
	s.cmu.Lock()
	s.cacheOK = false
	s.cmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Service) recoverLoop(ctx context.Context) error {
	for {
		every := s.config().RecoverEvery
		t := time.NewTimer(every)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.recoverStale(ctx)
	}
}

// recoverStale reclaims holds older than StaleAfter, which must exceed the
// longest executor timeout.
func (s *Service) recoverStale(ctx context.Context) {
	cutoff := s.now().Add(-s.config().StaleAfter)
	var keys []jobs.Key
	err := s.withStoreRetry(ctx, "recover", func(c context.Context) error {
		var err error
		keys, err = s.store.ReleaseStale(c, cutoff)
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			s.storeFailed("recover", jobs.Key{}, err)
		}
		return
	}
	s.reportReclaimed(keys, "stale")
	if len(keys) > 0 {
		s.invalidate()
	}
}

func (s *Service) reportReclaimed(keys []jobs.Key, reason string) {
	if len(keys) == 0 {
		return
	}
	s.metrics.Reclaimed(len(keys))
	for _, k := range keys {
		s.log.Warn("trigger reclaimed", logx.String("job", k.String()), logx.String("reason", reason))
		s.publish(eventbus.TypeTriggerReclaimed, FireEvent{Key: k, At: s.now(), Error: reason})
	}
}

// submit hands f to the engine. On error the fire has already been released.
func (s *Service) submit(ctx context.Context, f storage.Fire) error {
	key := f.Trigger.Key
	done := s.track(key)

	if f.Plan.Misfired {
		s.metrics.FireMisfired(f.Job.Type, f.Plan.Action)
		s.log.Info("misfire", logx.String("job", key.String()), logx.Time("scheduled", f.Plan.Scheduled), logx.String("action", f.Plan.Action.String()))
		s.publish(eventbus.TypeFireMisfired, s.fireEvent(f, nil))
	}

	var (
		out   executor.Outcome
		ran   bool
		begun bool
	)
	task := engine.Task{
		ID:   f.ID,
		Name: "fire:" + key.String(),
		Opt:  engine.TaskOptions{RetryMax: -1},
		Run: func(rctx context.Context) error {
			err := s.withStoreRetry(rctx, "begin", func(c context.Context) error {
				if f.Manual {
					return nil
				}
				return s.store.BeginExecution(c, key, f.ID)
			})
			if err != nil {
				return engine.NoRetry(err)
			}
			begun = true
			s.metrics.FireStarted(f.Job.Type)
			s.publish(eventbus.TypeFireStarted, s.fireEvent(f, nil))
			out = s.exec.Execute(rctx, f.Job, f)
			ran = true
			return engine.NoRetry(out.Err)
		},
		Done: func(r engine.Result) {
			defer s.untrack(key, done)
			if !begun {
				s.abandon(f, r.Err)
				return
			}
			if !ran {
				// The executor panicked.
				out = executor.Outcome{Err: fmt.Errorf("%w: %w", jobs.ErrExecutionFailure, r.Err), Took: r.Duration, Summary: r.Err.Error()}
			}
			s.finish(f, out)
		},
	}
	if err := s.engine.Submit(ctx, task); err != nil {
		s.abandon(f, err)
		s.untrack(key, done)
		return err
	}
	return nil
}

// abandon releases a fire that never ran; its slot stays due.
func (s *Service) abandon(f storage.Fire, cause error) {
	key := f.Trigger.Key
	s.log.Debug("fire abandoned", logx.String("job", key.String()), logx.String("fire", f.ID), logx.Err(cause))
	err := s.withStoreRetry(context.Background(), "release", func(c context.Context) error {
		return s.store.ReleaseFire(c, key, f.ID)
	})
	if err != nil && !errors.Is(err, jobs.ErrNotFound) {
		s.storeFailed("release", key, err)
	}
	s.invalidate()
}

// finish writes the outcome back. Store failures leave the hold in place for
// the recovery pass.
func (s *Service) finish(f storage.Fire, out executor.Outcome) {
	key := f.Trigger.Key
	now := s.now()
	c := storage.Completion{
		Key:       key,
		FireID:    f.ID,
		Manual:    f.Manual,
		RecordAs:  f.Plan.RecordAs,
		Skipped:   f.Plan.Skipped,
		At:        now,
		OK:        out.OK(),
		Permanent: out.Permanent,
		Log:       jobs.LogEntry{At: now, FireID: f.ID, OK: out.OK(), Took: out.Took, Message: out.Summary},
	}
	if out.Err != nil {
		c.Error = out.Summary
	}

	var trig jobs.Trigger
	err := s.withStoreRetry(context.Background(), "complete", func(ctx context.Context) error {
		var err error
		trig, err = s.store.CompleteFire(ctx, c)
		return err
	})
	s.invalidate()
	s.metrics.FireFinished(f.Job.Type, out.OK(), out.Took)
	if err != nil {
		s.storeFailed("complete", key, err)
		return
	}

	if out.OK() {
		s.log.Debug("fire succeeded", logx.String("job", key.String()), logx.Duration("took", out.Took), logx.String("summary", out.Summary))
		s.publish(eventbus.TypeFireSucceeded, s.fireEvent(f, &out))
	} else {
		s.warnLimited(key.String(), "fire failed",
			logx.String("job", key.String()),
			logx.String("fire", f.ID),
			logx.Bool("permanent", out.Permanent),
			logx.Duration("took", out.Took),
			logx.Err(out.Err),
		)
		s.publish(eventbus.TypeFireFailed, s.fireEvent(f, &out))
	}
	switch trig.State {
	case jobs.StateComplete:
		s.log.Info("trigger complete", logx.String("job", key.String()), logx.Int("times_fired", trig.TimesFired))
	case jobs.StateError:
		s.log.Warn("trigger stopped on permanent error", logx.String("job", key.String()), logx.Err(out.Err))
	}
	s.notify(f, out, now)
}

func (s *Service) notify(f storage.Fire, out executor.Outcome, at time.Time) {
	if s.notifier == nil {
		return
	}
	switch f.Job.Notify {
	case jobs.NotifyAll:
	case jobs.NotifyError:
		if out.OK() {
			return
		}
	default:
		return
	}
	err := s.notifier.Notify(context.Background(), notifier.Notification{
		Key:     f.Job.Key,
		FireID:  f.ID,
		OK:      out.OK(),
		At:      at,
		Took:    out.Took,
		Summary: out.Summary,
	})
	if err != nil && !errors.Is(err, notifier.ErrDisabled) {
		s.log.Debug("notify skipped", logx.String("job", f.Job.Key.String()), logx.Err(err))
	}
}

func (s *Service) storeFailed(op string, key jobs.Key, err error) {
	s.metrics.StoreFailed(op)
	fields := []logx.Field{logx.String("op", op), logx.Err(err)}
	if key.Valid() {
		fields = append(fields, logx.String("job", key.String()))
	}
	s.log.Error("store failure", fields...)
	s.publish(eventbus.TypeStoreFailed, FireEvent{Key: key, At: s.now(), Error: fmt.Sprintf("%s: %v", op, err)})
}

// withStoreRetry runs fn until it succeeds, fails with a logical error, or
// the retry budget runs out; the final error wraps jobs.ErrStoreFailure.
func (s *Service) withStoreRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	cfg := s.config()
	var err error
	for attempt := 0; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, storeOpTimeout)
		err = fn(actx)
		cancel()
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= cfg.StoreRetryMax {
			break
		}
		s.rmu.Lock()
		delay := engine.Backoff(attempt+1, cfg.StoreRetryBase, cfg.StoreRetryMaxDelay, 0.2, s.rng)
		s.rmu.Unlock()
		s.log.Debug("store retry", logx.String("op", op), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w: %s: %w", jobs.ErrStoreFailure, op, err)
}

func retryable(err error) bool {
	for _, target := range []error{
		jobs.ErrNotFound,
		jobs.ErrAlreadyExists,
		jobs.ErrInFlight,
		jobs.ErrInvalidSchedule,
		jobs.ErrExpiredEndTime,
		storage.ErrStateConflict,
		context.Canceled,
	} {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func (s *Service) track(key jobs.Key) chan struct{} {
	ch := make(chan struct{})
	s.fmu.Lock()
	s.inflight[key] = ch
	s.fmu.Unlock()
	return ch
}

func (s *Service) untrack(key jobs.Key, ch chan struct{}) {
	s.fmu.Lock()
	if s.inflight[key] == ch {
		delete(s.inflight, key)
	}
	s.fmu.Unlock()
	close(ch)
}

// running returns a channel closed when the local fire of key finishes, or
// nil when none is running here.
func (s *Service) running(key jobs.Key) <-chan struct{} {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if ch, ok := s.inflight[key]; ok {
		return ch
	}
	return nil
}

func (s *Service) inFlight() int {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return len(s.inflight)
}
