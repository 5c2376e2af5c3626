package executor

import "time"

const DefaultTimeout = 30 * time.Second

type Config struct {
	HTTP     HTTPConfig
	Email    EmailConfig
	MQTT     MQTTConfig
	RabbitMQ RabbitMQConfig
}

type HTTPConfig struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	FailOnNon2xx bool
	UserAgent    string
}

type EmailConfig struct {
	Timeout  time.Duration
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// TLS is one of "mandatory", "opportunistic" (default) or "none".
	TLS string
}

type MQTTConfig struct {
	Timeout  time.Duration
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retained bool
}

type RabbitMQConfig struct {
	Timeout time.Duration
	URL     string
}

func timeoutOr(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultTimeout
	}
	return d
}
