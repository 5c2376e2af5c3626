package config

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
)

var (
	logLevels      = []string{"", "trace", "debug", "info", "warn", "warning", "error"}
	storageDrivers = []string{"", "memory", "mem", "file", "sqlite", "sqlite3", "postgres", "postgresql", "pgx"}
	tlsPolicies    = []string{"", "mandatory", "opportunistic", "none"}
)

// Validate checks a parsed config without touching the network or disk.
// Every problem is reported, joined into one error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var (
		errs []error
		d    Durations
	)
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !oneOf(cfg.Logging.Level, logLevels) {
		bad("logging.level: unknown level %q", cfg.Logging.Level)
	}
	if !oneOf(cfg.Logging.Alert.MinLevel, logLevels) {
		bad("logging.alert.min_level: unknown level %q", cfg.Logging.Alert.MinLevel)
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		bad("logging.file.path is required when logging.file.enabled")
	}
	if cfg.Logging.Alert.Enabled && (!cfg.Notify.Enabled || len(cfg.Notify.To) == 0) {
		bad("logging.alert needs notify.enabled and notify.to")
	}

	sc := cfg.Scheduler
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			bad("scheduler.timezone: %v", err)
		}
	}
	if sc.Workers < 0 || sc.BatchSize < 0 || sc.StoreRetryMax < 0 || sc.LogSize < 0 {
		bad("scheduler: counts must be >= 0")
	}
	d.Get("scheduler.idle_wait", sc.IdleWait, 0)
	d.Get("scheduler.misfire_threshold", sc.MisfireThreshold, 0)
	d.Get("scheduler.stale_after", sc.StaleAfter, 0)
	d.Get("scheduler.recover_every", sc.RecoverEvery, 0)
	d.Get("scheduler.store_retry_base", sc.StoreRetryBase, 0)
	d.Get("scheduler.store_retry_max_delay", sc.StoreRetryMaxDelay, 0)

	st := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(st.Driver))
	switch {
	case !oneOf(driver, storageDrivers):
		bad("storage.driver: unknown driver %q", st.Driver)
	case (driver == "file") && strings.TrimSpace(st.Path) == "":
		bad("storage.path is required when storage.driver=file")
	case strings.HasPrefix(driver, "postgres") || driver == "pgx":
		if strings.TrimSpace(st.DSN) == "" {
			bad("storage.dsn is required when storage.driver=%s", driver)
		}
	}
	d.Get("storage.busy_timeout", st.BusyTimeout, 0)

	ex := cfg.Executors
	d.Get("executors.http.timeout", ex.HTTP.Timeout, 0)
	d.Get("executors.http.retry_wait_min", ex.HTTP.RetryWaitMin, 0)
	d.Get("executors.http.retry_wait_max", ex.HTTP.RetryWaitMax, 0)
	if ex.HTTP.RetryMax < 0 {
		bad("executors.http.retry_max must be >= 0")
	}
	d.Get("executors.email.timeout", ex.Email.Timeout, 0)
	if ex.Email.Port < 0 || ex.Email.Port > 65535 {
		bad("executors.email.port out of range: %d", ex.Email.Port)
	}
	if !oneOf(ex.Email.TLS, tlsPolicies) {
		bad("executors.email.tls: want mandatory, opportunistic or none, got %q", ex.Email.TLS)
	}
	if from := strings.TrimSpace(ex.Email.From); from != "" {
		if _, err := mail.ParseAddress(from); err != nil {
			bad("executors.email.from: %v", err)
		}
	}
	d.Get("executors.mqtt.timeout", ex.MQTT.Timeout, 0)
	if ex.MQTT.QoS < 0 || ex.MQTT.QoS > 2 {
		bad("executors.mqtt.qos must be 0, 1 or 2")
	}
	d.Get("executors.rabbitmq.timeout", ex.RabbitMQ.Timeout, 0)

	nc := cfg.Notify
	if nc.Enabled && len(nc.To) == 0 {
		bad("notify.to is required when notify.enabled")
	}
	for _, to := range nc.To {
		if _, err := mail.ParseAddress(to); err != nil {
			bad("notify.to %q: %v", to, err)
		}
	}
	if nc.Workers < 0 || nc.QueueSize < 0 || nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.DedupMaxEntries < 0 {
		bad("notify: counts must be >= 0")
	}
	d.Get("notify.retry_base", nc.RetryBase, 0)
	d.Get("notify.retry_max_delay", nc.RetryMaxDelay, 0)
	d.Get("notify.dedup_window", nc.DedupWindow, 0)

	dc := cfg.Debug
	d.Get("debug.read_timeout", dc.ReadTimeout, 0)
	d.Get("debug.write_timeout", dc.WriteTimeout, 0)
	d.Get("debug.idle_timeout", dc.IdleTimeout, 0)

	return errors.Join(append(errs, d.Err())...)
}

func oneOf(v string, allowed []string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
