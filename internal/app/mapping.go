package app

import (
	"strings"
	"time"

	"cronhub/internal/config"
	"cronhub/internal/executor"
	"cronhub/internal/notifier"
	"cronhub/internal/observability/debugsrv"
	"cronhub/internal/storage"
	"cronhub/internal/task/engine"
	"cronhub/internal/task/scheduler"
	logx "cronhub/pkg/logx"
)

const (
	defaultWorkers          = 4
	defaultMisfireThreshold = 5 * time.Second
	defaultBusyTimeout      = 2 * time.Second
	engineTimeoutGrace      = time.Minute
)

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
			Burst:      lc.Alert.Burst,
		},
	}
}

func location(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func misfireThreshold(cfg *config.Config) (time.Duration, error) {
	return config.ParseDurationOrDefault("scheduler.misfire_threshold", cfg.Scheduler.MisfireThreshold, defaultMisfireThreshold)
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	path := strings.TrimSpace(sc.Path)
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if path == "" && (driver == "" || strings.HasPrefix(driver, "sqlite")) {
		path = "./cronhub.db"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		DSN:         strings.TrimSpace(sc.DSN),
		BusyTimeout: busy,
		LogSize:     cfg.Scheduler.LogSize,
	}, nil
}

func mapExecutors(cfg *config.Config) (executor.Config, error) {
	var d config.Durations
	ec := cfg.Executors
	out := executor.Config{
		HTTP: executor.HTTPConfig{
			Timeout:      d.Get("executors.http.timeout", ec.HTTP.Timeout, 0),
			RetryMax:     ec.HTTP.RetryMax,
			RetryWaitMin: d.Get("executors.http.retry_wait_min", ec.HTTP.RetryWaitMin, 0),
			RetryWaitMax: d.Get("executors.http.retry_wait_max", ec.HTTP.RetryWaitMax, 0),
			FailOnNon2xx: ec.HTTP.FailOnNon2xx,
			UserAgent:    ec.HTTP.UserAgent,
		},
		Email: executor.EmailConfig{
			Timeout:  d.Get("executors.email.timeout", ec.Email.Timeout, 0),
			Host:     ec.Email.Host,
			Port:     ec.Email.Port,
			Username: ec.Email.Username,
			Password: ec.Email.Password,
			From:     ec.Email.From,
			TLS:      ec.Email.TLS,
		},
		MQTT: executor.MQTTConfig{
			Timeout:  d.Get("executors.mqtt.timeout", ec.MQTT.Timeout, 0),
			Broker:   ec.MQTT.Broker,
			ClientID: ec.MQTT.ClientID,
			Username: ec.MQTT.Username,
			Password: ec.MQTT.Password,
			QoS:      byte(min(max(ec.MQTT.QoS, 0), 2)),
			Retained: ec.MQTT.Retained,
		},
		RabbitMQ: executor.RabbitMQConfig{
			Timeout: d.Get("executors.rabbitmq.timeout", ec.RabbitMQ.Timeout, 0),
			URL:     ec.RabbitMQ.URL,
		},
	}
	return out, d.Err()
}

// mapEngine sizes the queue to the worker count so the loop never acquires
// more fires than workers can start. The engine timeout is only a backstop
// above the dispatcher's per-type timeouts; retries belong to the executors.
func mapEngine(cfg *config.Config, exec executor.Config) engine.Config {
	workers := cfg.Scheduler.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	longest := max(exec.HTTP.Timeout, exec.Email.Timeout, exec.MQTT.Timeout, exec.RabbitMQ.Timeout)
	if longest <= 0 {
		longest = executor.DefaultTimeout
	}
	return engine.Config{
		Workers:        workers,
		QueueSize:      workers,
		DefaultTimeout: longest + engineTimeoutGrace,
		HistorySize:    200,
		RetryMax:       -1,
	}
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	var d config.Durations
	sc := cfg.Scheduler
	out := scheduler.Config{
		BatchSize:          sc.BatchSize,
		IdleWait:           d.Get("scheduler.idle_wait", sc.IdleWait, 0),
		StaleAfter:         d.Get("scheduler.stale_after", sc.StaleAfter, 0),
		RecoverEvery:       d.Get("scheduler.recover_every", sc.RecoverEvery, 0),
		StoreRetryMax:      sc.StoreRetryMax,
		StoreRetryBase:     d.Get("scheduler.store_retry_base", sc.StoreRetryBase, 0),
		StoreRetryMaxDelay: d.Get("scheduler.store_retry_max_delay", sc.StoreRetryMaxDelay, 0),
	}
	return out, d.Err()
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	var d config.Durations
	nc := cfg.Notify
	out := notifier.Config{
		Enabled:         nc.Enabled,
		To:              append([]string(nil), nc.To...),
		SubjectPrefix:   nc.SubjectPrefix,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       d.Get("notify.retry_base", nc.RetryBase, 0),
		RetryMaxDelay:   d.Get("notify.retry_max_delay", nc.RetryMaxDelay, 0),
		DedupWindow:     d.Get("notify.dedup_window", nc.DedupWindow, 0),
		DedupMaxEntries: nc.DedupMaxEntries,
	}
	return out, d.Err()
}

func mapDebug(cfg *config.Config) (debugsrv.Config, error) {
	var d config.Durations
	dc := cfg.Debug
	out := debugsrv.Config{
		Enabled:              dc.Enabled,
		Addr:                 dc.Addr,
		Token:                dc.Token,
		AllowInsecure:        dc.AllowInsecure,
		Pprof:                dc.Pprof,
		PprofPrefix:          dc.PprofPrefix,
		ReadTimeout:          d.Get("debug.read_timeout", dc.ReadTimeout, 5*time.Second),
		WriteTimeout:         d.Get("debug.write_timeout", dc.WriteTimeout, 30*time.Second),
		IdleTimeout:          d.Get("debug.idle_timeout", dc.IdleTimeout, 60*time.Second),
		MutexProfileFraction: dc.MutexProfileFraction,
		BlockProfileRate:     dc.BlockProfileRate,
		MemProfileRate:       dc.MemProfileRate,
	}
	return out, d.Err()
}
