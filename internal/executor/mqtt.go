package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cronhub/internal/jobs"
	logx "cronhub/pkg/logx"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT publishes the job payload to its topic. The broker connection is
// opened on first use and reused across fires.
type MQTT struct {
	log logx.Logger

	mu     sync.Mutex
	cfg    MQTTConfig
	client mqtt.Client
}

func NewMQTT(cfg MQTTConfig, log logx.Logger) *MQTT {
	m := &MQTT{log: log}
	m.Apply(cfg)
	return m
}

// Apply takes effect for qos/retained immediately; broker changes apply on
// the next connect.
func (m *MQTT) Apply(cfg MQTTConfig) {
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = fmt.Sprintf("cronhub-%d", time.Now().UnixNano())
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

func (m *MQTT) Validate(params map[string]string) error {
	if err := required(params, jobs.ParamTopic); err != nil {
		return err
	}
	if strings.ContainsAny(params[jobs.ParamTopic], "+#") {
		return invalid("topic %q must not contain wildcards", params[jobs.ParamTopic])
	}
	return nil
}

func (m *MQTT) Execute(ctx context.Context, params map[string]string) error {
	if err := m.Validate(params); err != nil {
		return Permanent(err)
	}
	c, cfg, err := m.connect(ctx)
	if err != nil {
		return err
	}
	tok := c.Publish(params[jobs.ParamTopic], cfg.QoS, cfg.Retained, params[jobs.ParamPayload])
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MQTT) connect(ctx context.Context) (mqtt.Client, MQTTConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg := m.cfg
	if m.client != nil && m.client.IsConnectionOpen() {
		return m.client, cfg, nil
	}
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, cfg, Permanent(errors.New("executors.mqtt.broker is not configured"))
	}

	timeout := timeoutOr(cfg.Timeout)
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetConnectTimeout(timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.log.Warn("mqtt connection lost", logx.String("broker", cfg.Broker), logx.Err(err))
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	if m.client != nil {
		m.client.Disconnect(0)
	}
	c := mqtt.NewClient(opts)
	tok := c.Connect()
	select {
	case <-tok.Done():
	case <-ctx.Done():
		return nil, cfg, ctx.Err()
	}
	if err := tok.Error(); err != nil {
		return nil, cfg, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	m.client = c
	m.log.Info("mqtt connected", logx.String("broker", cfg.Broker))
	return c, cfg, nil
}

func (m *MQTT) Close(ctx context.Context) error {
	m.mu.Lock()
	c := m.client
	m.client = nil
	m.mu.Unlock()
	if c == nil {
		return nil
	}
	quiesce := uint(250)
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < 250*time.Millisecond {
			quiesce = uint(max(left.Milliseconds(), 0))
		}
	}
	c.Disconnect(quiesce)
	return nil
}
