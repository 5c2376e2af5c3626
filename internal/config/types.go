package config

// Config is the on-disk configuration. Durations are Go duration strings
// ("500ms", "10s", "1m"); an empty string selects the component default.
//
// Logging, executors, notify, debug and the scheduler's misfire threshold and
// loop tunables reload live. Storage and worker count need a restart.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Executors ExecutorsConfig `json:"executors"`
	Notify    NotifyConfig    `json:"notify"`
	Debug     DebugConfig     `json:"debug"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert mails log records at or above min_level to notify.to.
type LoggingAlert struct {
	Enabled    bool    `json:"enabled"`
	MinLevel   string  `json:"min_level,omitempty"`
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`
}

// SchedulerConfig controls the loop, the worker pool and the calculator.
//
// Defaults:
//   - timezone: Local
//   - workers: 4
//   - batch_size: 16
//   - idle_wait: "30s"
//   - misfire_threshold: "5s"
//   - stale_after: "10m" (must exceed the longest executor timeout)
//   - recover_every: "30s"
//   - store_retry_max: 3, store_retry_base: "200ms", store_retry_max_delay: "5s"
//   - log_size: 50
type SchedulerConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Workers          int    `json:"workers,omitempty"`
	BatchSize        int    `json:"batch_size,omitempty"`
	IdleWait         string `json:"idle_wait,omitempty"`
	MisfireThreshold string `json:"misfire_threshold,omitempty"`
	StaleAfter       string `json:"stale_after,omitempty"`
	RecoverEvery     string `json:"recover_every,omitempty"`

	StoreRetryMax      int    `json:"store_retry_max,omitempty"`
	StoreRetryBase     string `json:"store_retry_base,omitempty"`
	StoreRetryMaxDelay string `json:"store_retry_max_delay,omitempty"`

	LogSize int `json:"log_size,omitempty"`
}

// IsEnabled defaults to true when enabled is omitted.
func (c SchedulerConfig) IsEnabled() bool { return c.Enabled == nil || *c.Enabled }

// StorageConfig selects the store driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./cronhub.db", "busy_timeout": "2s" }
//	"storage": { "driver": "postgres", "dsn": "postgres://cronhub@db/cronhub" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ExecutorsConfig struct {
	HTTP     HTTPExecutorConfig     `json:"http"`
	Email    EmailExecutorConfig    `json:"email"`
	MQTT     MQTTExecutorConfig     `json:"mqtt"`
	RabbitMQ RabbitMQExecutorConfig `json:"rabbitmq"`
}

type HTTPExecutorConfig struct {
	Timeout      string `json:"timeout,omitempty"`
	RetryMax     int    `json:"retry_max,omitempty"`
	RetryWaitMin string `json:"retry_wait_min,omitempty"`
	RetryWaitMax string `json:"retry_wait_max,omitempty"`
	FailOnNon2xx bool   `json:"fail_on_non_2xx,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

type EmailExecutorConfig struct {
	Timeout  string `json:"timeout,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	From     string `json:"from,omitempty"`
	TLS      string `json:"tls,omitempty"`
}

type MQTTExecutorConfig struct {
	Timeout  string `json:"timeout,omitempty"`
	Broker   string `json:"broker,omitempty"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"` // never logged
	QoS      int    `json:"qos,omitempty"`
	Retained bool   `json:"retained,omitempty"`
}

type RabbitMQExecutorConfig struct {
	Timeout string `json:"timeout,omitempty"`
	URL     string `json:"url,omitempty"` // may carry credentials; never logged
}

// NotifyConfig controls job outcome mails and log alerts.
type NotifyConfig struct {
	Enabled         bool     `json:"enabled"`
	To              []string `json:"to,omitempty"`
	SubjectPrefix   string   `json:"subject_prefix,omitempty"`
	Workers         int      `json:"workers,omitempty"`
	QueueSize       int      `json:"queue_size,omitempty"`
	RatePerSec      int      `json:"rate_per_sec,omitempty"`
	RetryMax        int      `json:"retry_max,omitempty"`
	RetryBase       string   `json:"retry_base,omitempty"`
	RetryMaxDelay   string   `json:"retry_max_delay,omitempty"`
	DedupWindow     string   `json:"dedup_window,omitempty"`
	DedupMaxEntries int      `json:"dedup_max_entries,omitempty"`
}

// DebugConfig controls the diagnostics listener (/healthz, /metrics, pprof).
//
// Prefer a loopback addr; a public bind needs a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	PprofPrefix   string `json:"pprof_prefix,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
