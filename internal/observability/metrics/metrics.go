// Package metrics exposes Prometheus collectors for the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
)

const namespace = "cronhub"

// Metrics implements scheduler.Metrics on a Prometheus registry.
type Metrics struct {
	reg *prometheus.Registry

	fires     *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	started   *prometheus.CounterVec
	misfires  *prometheus.CounterVec
	storeErrs *prometheus.CounterVec
	reclaimed prometheus.Counter
	running   prometheus.Gauge
}

// New registers the scheduler collectors plus the Go and process collectors
// on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Finished fires by job type and outcome.",
		}, []string{"type", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fire_duration_seconds",
			Help:      "Executor run time per fire.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_started_total",
			Help:      "Fires handed to an executor.",
		}, []string{"type"}),
		misfires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "misfires_total",
			Help:      "Misfired slots by job type and resolved action.",
		}, []string{"type", "action"}),
		storeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Store operations that failed after retries.",
		}, []string{"op"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reclaimed_triggers_total",
			Help:      "Stale holds released by the recovery pass.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running",
			Help:      "1 while the scheduling loop runs.",
		}),
	}
	reg.MustRegister(
		m.fires, m.duration, m.started, m.misfires, m.storeErrs, m.reclaimed, m.running,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry is what the /metrics handler gathers from.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// GaugeFunc registers a gauge sampled at scrape time.
func (m *Metrics) GaugeFunc(subsystem, name, help string, fn func() float64) {
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) FireStarted(typ jobs.Type) {
	m.started.WithLabelValues(string(typ)).Inc()
}

func (m *Metrics) FireFinished(typ jobs.Type, ok bool, took time.Duration) {
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.fires.WithLabelValues(string(typ), status).Inc()
	m.duration.WithLabelValues(string(typ)).Observe(took.Seconds())
}

func (m *Metrics) FireMisfired(typ jobs.Type, action trigger.Action) {
	m.misfires.WithLabelValues(string(typ), action.String()).Inc()
}

func (m *Metrics) StoreFailed(op string) { m.storeErrs.WithLabelValues(op).Inc() }

func (m *Metrics) Reclaimed(n int) { m.reclaimed.Add(float64(n)) }

func (m *Metrics) Running(running bool) {
	if running {
		m.running.Set(1)
		return
	}
	m.running.Set(0)
}
