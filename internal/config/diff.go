package config

import (
	"reflect"
	"strings"

	logx "cronhub/pkg/logx"
)

// SummarizeChange lists the sections that differ and returns safe fields for
// a reload log line. Passwords, tokens, DSNs and broker URLs are reported
// only as *_set booleans.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	o, n := oldCfg, newCfg
	section("logging", !reflect.DeepEqual(o.Logging, n.Logging),
		logx.String("logging.level", n.Logging.Level),
		logx.Bool("logging.console", n.Logging.Console),
		logx.Bool("logging.file_enabled", n.Logging.File.Enabled),
		logx.Bool("logging.alert_enabled", n.Logging.Alert.Enabled),
	)
	section("scheduler", !reflect.DeepEqual(o.Scheduler, n.Scheduler),
		logx.Bool("scheduler.enabled", n.Scheduler.IsEnabled()),
		logx.String("scheduler.timezone", n.Scheduler.Timezone),
		logx.Int("scheduler.workers", n.Scheduler.Workers),
		logx.String("scheduler.misfire_threshold", n.Scheduler.MisfireThreshold),
	)
	section("storage", o.Storage != n.Storage,
		logx.String("storage.driver", n.Storage.Driver),
		logx.String("storage.path", n.Storage.Path),
		logx.Bool("storage.dsn_set", strings.TrimSpace(n.Storage.DSN) != ""),
	)

	oe, ne := o.Executors, n.Executors
	section("executors.http", oe.HTTP != ne.HTTP,
		logx.String("http.timeout", ne.HTTP.Timeout),
		logx.Int("http.retry_max", ne.HTTP.RetryMax),
	)
	section("executors.email", oe.Email != ne.Email,
		logx.String("email.host", ne.Email.Host),
		logx.Int("email.port", ne.Email.Port),
		logx.Bool("email.password_set", ne.Email.Password != ""),
	)
	section("executors.mqtt", oe.MQTT != ne.MQTT,
		logx.String("mqtt.broker", ne.MQTT.Broker),
		logx.Int("mqtt.qos", ne.MQTT.QoS),
		logx.Bool("mqtt.password_set", ne.MQTT.Password != ""),
	)
	section("executors.rabbitmq", oe.RabbitMQ != ne.RabbitMQ,
		logx.Bool("rabbitmq.url_set", strings.TrimSpace(ne.RabbitMQ.URL) != ""),
	)

	section("notify", !reflect.DeepEqual(o.Notify, n.Notify),
		logx.Bool("notify.enabled", n.Notify.Enabled),
		logx.Int("notify.recipients", len(n.Notify.To)),
	)
	section("debug", o.Debug != n.Debug,
		logx.Bool("debug.enabled", n.Debug.Enabled),
		logx.String("debug.addr", n.Debug.Addr),
		logx.Bool("debug.pprof", n.Debug.Pprof),
		logx.Bool("debug.token_set", strings.TrimSpace(n.Debug.Token) != ""),
	)
	return changed, attrs
}

// RestartRequired lists changed settings that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Storage != newCfg.Storage {
		out = append(out, "storage")
	}
	if oldCfg.Scheduler.Workers != newCfg.Scheduler.Workers {
		out = append(out, "scheduler.workers")
	}
	if oldCfg.Scheduler.Timezone != newCfg.Scheduler.Timezone {
		out = append(out, "scheduler.timezone")
	}
	if oldCfg.Scheduler.IsEnabled() != newCfg.Scheduler.IsEnabled() {
		out = append(out, "scheduler.enabled")
	}
	if oldCfg.Scheduler.LogSize != newCfg.Scheduler.LogSize {
		out = append(out, "scheduler.log_size")
	}
	return out
}
