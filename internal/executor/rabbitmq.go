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

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQ declares the job's queue as durable and publishes the body to it
// through the default exchange.
type RabbitMQ struct {
	log logx.Logger

	mu   sync.Mutex
	cfg  RabbitMQConfig
	conn *amqp.Connection
}

func NewRabbitMQ(cfg RabbitMQConfig, log logx.Logger) *RabbitMQ {
	r := &RabbitMQ{log: log}
	r.Apply(cfg)
	return r
}

func (r *RabbitMQ) Apply(cfg RabbitMQConfig) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *RabbitMQ) Validate(params map[string]string) error {
	if err := required(params, jobs.ParamQueue); err != nil {
		return err
	}
	if len(params[jobs.ParamQueue]) > 255 {
		return invalid("queue name longer than 255 bytes")
	}
	return nil
}

func (r *RabbitMQ) Execute(ctx context.Context, params map[string]string) error {
	if err := r.Validate(params); err != nil {
		return Permanent(err)
	}
	conn, err := r.connect()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("amqp channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclare(strings.TrimSpace(params[jobs.ParamQueue]), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp declare %q: %w", params[jobs.ParamQueue], err)
	}
	body := params[jobs.ParamBody]
	if body == "" {
		body = params[jobs.ParamPayload]
	}
	return ch.PublishWithContext(ctx, "", q.Name, false, false, amqp.Publishing{
		ContentType:  "text/plain",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         []byte(body),
	})
}

func (r *RabbitMQ) connect() (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}
	cfg := r.cfg
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, Permanent(errors.New("executors.rabbitmq.url is not configured"))
	}
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Dial:      amqp.DefaultDial(timeoutOr(cfg.Timeout)),
	})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	r.conn = conn
	r.log.Info("amqp connected")
	return conn, nil
}

func (r *RabbitMQ) Close(context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
