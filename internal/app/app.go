package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronhub/internal/config"
	"cronhub/internal/eventbus"
	"cronhub/internal/executor"
	"cronhub/internal/notifier"
	"cronhub/internal/observability/debugsrv"
	"cronhub/internal/observability/metrics"
	rtsup "cronhub/internal/runtime/supervisor"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/scheduler"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"
	"cronhub/pkg/systemd"
)

// App wires the store, executors, scheduler, notifier and diagnostics from
// one config file.
type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     *eventbus.MemBus
	store   storage.Store
	calc    *trigger.Calculator
	exec    *executor.Dispatcher
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	metrics *metrics.Metrics
	debug   *debugsrv.Server

	schedEnabled bool
}

type Option func(*options)

type options struct {
	manualOnly bool
	console    *bool
}

// WithManualOnly builds a scheduler that only runs TriggerNow fires. CLI
// commands use it next to a live daemon.
func WithManualOnly() Option { return func(o *options) { o.manualOnly = true } }

// WithConsole overrides logging.console.
func WithConsole(enabled bool) Option { return func(o *options) { o.console = &enabled } }

// New loads the config and builds every component without starting any.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if o.console != nil {
		cfg.Logging.Console = *o.console
	}

	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{
		cfgm:         cfgm,
		logs:         logSvc,
		log:          log.With(logx.String("comp", "app")),
		bus:          eventbus.New(),
		metrics:      metrics.New(),
		schedEnabled: cfg.Scheduler.IsEnabled(),
	}
	if err := a.build(cfg, log, o); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, log logx.Logger, o options) error {
	loc, err := location(cfg)
	if err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	threshold, err := misfireThreshold(cfg)
	if err != nil {
		return err
	}
	a.calc = trigger.NewCalculator(loc, threshold)

	sc, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(sc, a.calc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.log.Info("storage opened", logx.String("driver", sc.Driver))

	ec, err := mapExecutors(cfg)
	if err != nil {
		return err
	}
	a.exec = executor.NewDispatcher(ec, log.With(logx.String("comp", "executor")))
	a.engine = engine.New(mapEngine(cfg, ec), log.With(logx.String("comp", "engine")), a.bus)

	nc, err := mapNotifier(cfg)
	if err != nil {
		return err
	}
	a.notif = notifier.New(nc, a.exec.Email(), log.With(logx.String("comp", "notifier")), a.bus)
	a.logs.SetAlerter(a.notif)

	schc, err := mapScheduler(cfg)
	if err != nil {
		return err
	}
	sopts := []scheduler.Option{scheduler.WithNotifier(a.notif), scheduler.WithMetrics(a.metrics)}
	if o.manualOnly {
		sopts = append(sopts, scheduler.WithManualOnly())
	}
	a.sched = scheduler.New(schc, a.store, a.calc, a.engine, a.exec, log.With(logx.String("comp", "scheduler")), a.bus, sopts...)

	a.metrics.GaugeFunc("engine", "idle_workers", "Workers waiting for a fire.", func() float64 { return float64(a.engine.Idle()) })
	a.metrics.GaugeFunc("eventbus", "dropped_events", "Events dropped by slow subscribers since start.", func() float64 { return float64(a.bus.Dropped()) })
	a.metrics.GaugeFunc("log", "alerts_dropped", "Log alerts dropped by the rate limiter since start.", func() float64 { return float64(a.logs.AlertsDropped()) })

	dc, err := mapDebug(cfg)
	if err != nil {
		return err
	}
	a.debug = debugsrv.New(dc, log.With(logx.String("comp", "debugsrv")),
		debugsrv.WithGatherer(a.metrics.Registry()),
		debugsrv.WithHealth(a.health),
	)
	return nil
}

// Scheduler is the management façade.
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

type healthStatus struct {
	Status    string     `json:"status"`
	Scheduler string     `json:"scheduler"`
	InFlight  int        `json:"in_flight"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
	Error     string     `json:"error,omitempty"`
}

func (a *App) health(context.Context) (any, bool) {
	snap := a.sched.Snapshot()
	healthy := snap.State == "running" || !a.schedEnabled
	st := healthStatus{Status: "ok", Scheduler: snap.State, InFlight: snap.InFlight, NextFire: snap.NextFire, Error: snap.Goroutine.FirstError}
	if !healthy {
		st.Status = "unavailable"
	}
	return st, healthy
}

// Start runs the scheduler (unless disabled), the notifier, diagnostics and
// config hot reload.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	cfg := a.cfgm.Get()
	// The notifier outlives the run context so Stop can drain mails of the
	// last fires.
	a.notif.Start(context.WithoutCancel(a.sup.Context()))
	a.debug.Start(a.sup.Context())

	if a.schedEnabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
	} else {
		a.log.Warn("scheduler disabled by config; jobs will not fire")
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := cfg
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts to the newest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							next = newer
						}
					default:
						drained = true
					}
				}
				a.reload(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("systemd.watchdog", func(c context.Context) error {
		if err := systemd.Watchdog(c, func() bool { return a.sched.Running() || !a.schedEnabled }); err != nil {
			a.log.Warn("systemd watchdog disabled", logx.Err(err))
		}
		return nil
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("config", a.cfgm.Path()), logx.Bool("scheduler", a.schedEnabled))
	return nil
}

// reload applies the live-reloadable sections of next.
func (a *App) reload(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config changes need a restart to take effect", logx.String("settings", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(next))

	var errs []error
	if ec, err := mapExecutors(next); err != nil {
		errs = append(errs, err)
	} else {
		a.exec.Apply(ec)
	}
	if d, err := misfireThreshold(next); err != nil {
		errs = append(errs, err)
	} else {
		a.calc.SetMisfireThreshold(d)
	}
	if sc, err := mapScheduler(next); err != nil {
		errs = append(errs, err)
	} else {
		a.sched.Apply(sc)
	}
	if nc, err := mapNotifier(next); err != nil {
		errs = append(errs, err)
	} else {
		wasEnabled := a.notif.Enabled()
		a.notif.Apply(nc)
		if !wasEnabled && nc.Enabled {
			a.notif.Start(context.WithoutCancel(ctx))
		}
	}
	if dc, err := mapDebug(next); err != nil {
		errs = append(errs, err)
	} else {
		a.debug.Reconfigure(ctx, dc)
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Warn("config partially applied", logx.Err(err))
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReload, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop drains the scheduler and shuts everything down in dependency order.
// Each step is bounded so one component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close(ctx)
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}
	a.sup.Cancel()

	schedErr := a.step(ctx, "scheduler", 0, a.sched.Stop)
	_ = a.step(ctx, "debugsrv", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	_ = a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	_ = a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	closeErr := a.Close(ctx)

	return errors.Join(schedErr, closeErr)
}

// Close releases broker connections, the store and log sinks. It is for
// processes that built the App but never started it, and the tail of Stop.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.sched != nil && a.sup == nil {
		errs = append(errs, a.sched.Stop(ctx))
	}
	if a.exec != nil {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := a.exec.Close(cctx); err != nil {
			errs = append(errs, fmt.Errorf("close executors: %w", err))
		}
		cancel()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
		a.store = nil
	}
	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// step runs fn with an upper bound of limit (0 keeps the caller's deadline)
// and never extends ctx. A step that overruns keeps running in the
// background and its late result is only logged.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		if took := time.Since(start); took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
		return fmt.Errorf("stop %s: %w", name, stepCtx.Err())
	}
}
