package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"cronhub/internal/eventbus"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/task/engine"
	logx "cronhub/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type item struct {
	job      string
	subject  string
	body     string
	dedupKey string
}

// Service is an async mail pipeline: queue, worker pool, rate limit, retry
// and dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	mailer Mailer
	bus    eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan item
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, mailer Mailer, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		mailer: mailer,
		log:    log,
		bus:    bus,
		dedup:  map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && len(s.cfg.To) > 0
}

// Apply updates recipients and limits. Worker count and queue size take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	if strings.TrimSpace(cfg.SubjectPrefix) == "" {
		cfg.SubjectPrefix = "[cronhub]"
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan item, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
		sup.GoRestart(fmt.Sprintf("mailer.%d", i), func(c context.Context) error {
			s.workerLoop(c, q, rng)
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
}

// Stop stops intake and drains the queue until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n. It never blocks on delivery.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	return s.enqueue(ctx, n.Key.String(), func(prefix string) item { return render(n, prefix) })
}

// Alert mails a log record to the same recipients. It lets the logging
// service use the notifier as its alert sink.
func (s *Service) Alert(ctx context.Context, level, text string) error {
	return s.enqueue(ctx, "log", func(prefix string) item {
		first, _, _ := strings.Cut(text, "\n")
		h := fnv.New64a()
		_, _ = h.Write([]byte(level + "|" + first))
		return item{
			subject:  fmt.Sprintf("%s %s: %s", prefix, level, truncate(first, 120)),
			body:     text + "\n",
			dedupKey: fmt.Sprintf("%x", h.Sum64()),
		}
	})
}

func (s *Service) enqueue(ctx context.Context, job string, build func(prefix string) item) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.cfg.Enabled || len(s.cfg.To) == 0 {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	window, maxEntries, prefix := s.cfg.DedupWindow, s.cfg.DedupMaxEntries, s.cfg.SubjectPrefix
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	it := build(prefix)
	it.job = job
	ev := NotificationEvent{Job: job, Key: it.dedupKey, At: time.Now()}
	if window > 0 && !s.dedupAllow(it.dedupKey, window, maxEntries) {
		s.publish(eventbus.TypeNotifyDeduped, ev)
		return nil
	}

	select {
	case q <- it:
		s.publish(eventbus.TypeNotifyQueued, ev)
		return nil
	default:
		ev.Error = ErrQueueFull.Error()
		s.publish(eventbus.TypeNotifyDropped, ev)
		return ErrQueueFull
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func render(n Notification, prefix string) item {
	status := "succeeded"
	if !n.OK {
		status = "failed"
	}
	subject := fmt.Sprintf("%s job %s %s", prefix, n.Key, status)

	var b strings.Builder
	fmt.Fprintf(&b, "Job:     %s\n", n.Key)
	fmt.Fprintf(&b, "Fire:    %s\n", n.FireID)
	fmt.Fprintf(&b, "At:      %s\n", n.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "Took:    %s\n", n.Took.Round(time.Millisecond))
	fmt.Fprintf(&b, "Outcome: %s\n", n.Summary)

	// Dedup on what the operator would read, minus the timestamps.
	h := fnv.New64a()
	_, _ = h.Write([]byte(n.Key.String()))
	_, _ = h.Write([]byte("|" + status + "|"))
	_, _ = h.Write([]byte(n.Summary))
	return item{subject: subject, body: b.String(), dedupKey: fmt.Sprintf("%x", h.Sum64())}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan item, rng *rand.Rand) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, it, rng)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, it item, rng *rand.Rand) {
	s.mu.Lock()
	cfg, lim, mailer := s.cfg, s.limiter, s.mailer
	s.mu.Unlock()
	if mailer == nil {
		return
	}

	ev := NotificationEvent{Job: it.job, Key: it.dedupKey}
	var lastErr error
	for attempt := 1; attempt <= 1+cfg.RetryMax; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := mailer.Send(callCtx, cfg.To, it.subject, it.body)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Subject: it.subject})
			ev.At = time.Now()
			s.publish(eventbus.TypeNotifySent, ev)
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", 1+cfg.RetryMax))
		if attempt > cfg.RetryMax {
			break
		}
		t := time.NewTimer(engine.Backoff(attempt, cfg.RetryBase, cfg.RetryMaxDelay, 0.3, rng))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.log.Warn("notify failed", logx.String("job", it.job), logx.Err(lastErr))
	s.appendHistory(HistoryItem{At: time.Now(), Subject: it.subject, Error: lastErr.Error()})
	ev.At = time.Now()
	ev.Error = lastErr.Error()
	s.publish(eventbus.TypeNotifyFailed, ev)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev NotificationEvent) {
	if s.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := time.Now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var (
			oldest string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if oldest == "" || t.Before(minT) {
				oldest, minT = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}
