package scheduler

import (
	"context"
	"math/rand"
	"sync"
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

// Config controls the scheduling loop. Zero values take the defaults below.
type Config struct {
	// BatchSize caps one acquisition; the idle worker count caps it further.
	BatchSize int
	// IdleWait bounds how long the loop sleeps without a known due time.
	IdleWait time.Duration
	// StaleAfter is how long a hold may live before recovery reclaims it.
	StaleAfter   time.Duration
	RecoverEvery time.Duration

	StoreRetryMax      int
	StoreRetryBase     time.Duration
	StoreRetryMaxDelay time.Duration
}

const (
	DefaultBatchSize          = 16
	DefaultIdleWait           = 30 * time.Second
	DefaultStaleAfter         = 10 * time.Minute
	DefaultRecoverEvery       = 30 * time.Second
	DefaultStoreRetryMax      = 3
	DefaultStoreRetryBase     = 200 * time.Millisecond
	DefaultStoreRetryMaxDelay = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.IdleWait <= 0 {
		c.IdleWait = DefaultIdleWait
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RecoverEvery <= 0 {
		c.RecoverEvery = DefaultRecoverEvery
	}
	if c.StoreRetryMax < 0 {
		c.StoreRetryMax = 0
	} else if c.StoreRetryMax == 0 {
		c.StoreRetryMax = DefaultStoreRetryMax
	}
	if c.StoreRetryBase <= 0 {
		c.StoreRetryBase = DefaultStoreRetryBase
	}
	if c.StoreRetryMaxDelay <= 0 {
		c.StoreRetryMaxDelay = DefaultStoreRetryMaxDelay
	}
	return c
}

// Executor runs one fire. *executor.Dispatcher implements it.
type Executor interface {
	Execute(ctx context.Context, job jobs.Job, fire storage.Fire) executor.Outcome
	Validate(typ jobs.Type, params map[string]string) error
}

// Notifier receives outcomes of jobs that asked to be notified.
type Notifier interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// Metrics receives scheduler counters. A nil Metrics is replaced by a no-op.
type Metrics interface {
	FireStarted(typ jobs.Type)
	FireFinished(typ jobs.Type, ok bool, took time.Duration)
	FireMisfired(typ jobs.Type, action trigger.Action)
	StoreFailed(op string)
	Reclaimed(n int)
	Running(running bool)
}

type nopMetrics struct{}

func (nopMetrics) FireStarted(jobs.Type)                       {}
func (nopMetrics) FireFinished(jobs.Type, bool, time.Duration) {}
func (nopMetrics) FireMisfired(jobs.Type, trigger.Action)      {}
func (nopMetrics) StoreFailed(string)                          {}
func (nopMetrics) Reclaimed(int)                               {}
func (nopMetrics) Running(bool)                                {}

type Option func(*Service)

func WithNotifier(n Notifier) Option { return func(s *Service) { s.notifier = n } }

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithManualOnly runs workers for TriggerNow without the acquisition loop or
// hold recovery. A second process sharing the store with a live scheduler
// uses it so it never reclaims holds it does not own.
func WithManualOnly() Option { return func(s *Service) { s.manualOnly = true } }

// WithClock replaces time.Now; tests use it to fake outages.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopping
	stateStopped
)

func (l lifecycle) String() string {
	switch l {
	case stateNew:
		return "new"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	state lifecycle
	sup   *rtsup.Supervisor

	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	calc     *trigger.Calculator
	engine   *engine.Service
	exec     Executor
	notifier Notifier
	metrics  Metrics
	now      func() time.Time

	manualOnly bool

	wake chan struct{}

	// Read-through cache of the store's earliest fire time. Any write made
	// through this service invalidates it.
	cmu       sync.Mutex
	cacheOK   bool
	cacheAt   time.Time
	cacheNone bool

	// Fires running in this process, by trigger key.
	fmu      sync.Mutex
	inflight map[jobs.Key]chan struct{}

	rmu sync.Mutex
	rng *rand.Rand

	wmu      sync.Mutex
	lastWarn map[string]warnState
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	State     string
	Timezone  string
	InFlight  int
	NextFire  *time.Time
	Engine    engine.Snapshot
	Config    Config
	Misfire   time.Duration
	Goroutine rtsup.SupervisorSnapshot
}

// warnState tracks the last warn line of one key and the repeats dropped since.
type warnState struct {
	at         time.Time
	suppressed int
}
