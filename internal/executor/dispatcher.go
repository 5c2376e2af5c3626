package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/storage"
	logx "cronhub/pkg/logx"

	"golang.org/x/sync/errgroup"
)

// Outcome is the result of one fire as recorded in the job log.
type Outcome struct {
	Err       error
	Permanent bool
	Took      time.Duration
	Summary   string
}

func (o Outcome) OK() bool { return o.Err == nil }

type Option func(*Dispatcher)

// WithExecutor replaces the executor used for t.
func WithExecutor(t jobs.Type, e Executor) Option {
	return func(d *Dispatcher) { d.override[t] = e }
}

// Dispatcher routes a fired job to the executor of its type.
type Dispatcher struct {
	log logx.Logger

	http     *HTTP
	email    *Email
	mqtt     *MQTT
	rabbitmq *RabbitMQ
	override map[jobs.Type]Executor

	mu       sync.RWMutex
	timeouts map[jobs.Type]time.Duration
}

func NewDispatcher(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		log:      log,
		http:     NewHTTP(cfg.HTTP, log.With(logx.String("executor", string(jobs.TypeHTTP)))),
		email:    NewEmail(cfg.Email),
		mqtt:     NewMQTT(cfg.MQTT, log.With(logx.String("executor", string(jobs.TypeMQTT)))),
		rabbitmq: NewRabbitMQ(cfg.RabbitMQ, log.With(logx.String("executor", string(jobs.TypeRabbitMQ)))),
		override: map[jobs.Type]Executor{},
	}
	for _, o := range opts {
		o(d)
	}
	d.setTimeouts(cfg)
	return d
}

// Apply pushes a reloaded config into the executors.
func (d *Dispatcher) Apply(cfg Config) {
	d.http.Apply(cfg.HTTP)
	d.email.Apply(cfg.Email)
	d.mqtt.Apply(cfg.MQTT)
	d.rabbitmq.Apply(cfg.RabbitMQ)
	d.setTimeouts(cfg)
}

func (d *Dispatcher) setTimeouts(cfg Config) {
	t := map[jobs.Type]time.Duration{
		jobs.TypeHTTP:     timeoutOr(cfg.HTTP.Timeout),
		jobs.TypeEmail:    timeoutOr(cfg.Email.Timeout),
		jobs.TypeMQTT:     timeoutOr(cfg.MQTT.Timeout),
		jobs.TypeRabbitMQ: timeoutOr(cfg.RabbitMQ.Timeout),
	}
	d.mu.Lock()
	d.timeouts = t
	d.mu.Unlock()
}

func (d *Dispatcher) Timeout(t jobs.Type) time.Duration {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if v, ok := d.timeouts[t]; ok {
		return v
	}
	return DefaultTimeout
}

// Email exposes the mail executor for notifications.
func (d *Dispatcher) Email() *Email { return d.email }

func (d *Dispatcher) executor(t jobs.Type) (Executor, error) {
	if e, ok := d.override[t]; ok {
		return e, nil
	}
	switch t {
	case jobs.TypeHTTP:
		return d.http, nil
	case jobs.TypeEmail:
		return d.email, nil
	case jobs.TypeMQTT:
		return d.mqtt, nil
	case jobs.TypeRabbitMQ:
		return d.rabbitmq, nil
	default:
		return nil, fmt.Errorf("%w: no executor for job type %q", jobs.ErrInvalidSchedule, t)
	}
}

// Validate checks a job's parameters against its executor.
func (d *Dispatcher) Validate(typ jobs.Type, params map[string]string) error {
	e, err := d.executor(typ)
	if err != nil {
		return err
	}
	return e.Validate(params)
}

// Execute runs one fire of job with the per-type timeout.
func (d *Dispatcher) Execute(ctx context.Context, job jobs.Job, fire storage.Fire) Outcome {
	start := time.Now()
	e, err := d.executor(job.Type)
	if err != nil {
		return Outcome{Err: err, Permanent: true, Summary: err.Error()}
	}

	timeout := d.Timeout(job.Type)
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var summary string
	if h, ok := e.(*HTTP); ok {
		summary, err = h.execute(runCtx, job.Params)
	} else {
		err = e.Execute(runCtx, job.Params)
	}
	out := Outcome{Took: time.Since(start)}
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", timeout, err)
	}
	if err != nil {
		out.Err = fmt.Errorf("%w: %w", jobs.ErrExecutionFailure, err)
		out.Permanent = IsPermanent(err)
		out.Summary = err.Error()
		d.log.Debug("fire failed", logx.String("job", job.Key.String()), logx.String("fire", fire.ID), logx.Err(err))
		return out
	}
	if summary == "" {
		summary = fmt.Sprintf("%s ok", job.Type)
	}
	out.Summary = summary
	return out
}

// Close releases broker connections in parallel.
func (d *Dispatcher) Close(ctx context.Context) error {
	var g errgroup.Group
	all := []Executor{d.http, d.email, d.mqtt, d.rabbitmq}
	for _, e := range d.override {
		all = append(all, e)
	}
	for _, e := range all {
		c, ok := e.(Closer)
		if !ok {
			continue
		}
		g.Go(func() error { return c.Close(ctx) })
	}
	return g.Wait()
}
