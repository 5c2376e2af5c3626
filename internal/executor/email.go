package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"cronhub/internal/jobs"

	"github.com/wneessen/go-mail"
)

// Email sends a plain-text mail per fire through the configured SMTP relay.
type Email struct {
	mu  sync.RWMutex
	cfg EmailConfig
}

func NewEmail(cfg EmailConfig) *Email {
	e := &Email{}
	e.Apply(cfg)
	return e
}

func (e *Email) Apply(cfg EmailConfig) {
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Email) Validate(params map[string]string) error {
	if err := required(params, jobs.ParamTo, jobs.ParamSubject); err != nil {
		return err
	}
	to := splitList(params[jobs.ParamTo])
	if len(to) == 0 {
		return invalid("no recipients in %q", params[jobs.ParamTo])
	}
	if err := mail.NewMsg().To(to...); err != nil {
		return invalid("recipients: %v", err)
	}
	return nil
}

func (e *Email) Execute(ctx context.Context, params map[string]string) error {
	if err := e.Validate(params); err != nil {
		return Permanent(err)
	}
	return e.Send(ctx, splitList(params[jobs.ParamTo]), params[jobs.ParamSubject], params[jobs.ParamBody])
}

// Send delivers one message. It is also used for failure notifications.
func (e *Email) Send(ctx context.Context, to []string, subject, body string) error {
	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	if strings.TrimSpace(cfg.Host) == "" {
		return Permanent(errors.New("executors.email.host is not configured"))
	}

	m := mail.NewMsg()
	if err := m.From(cfg.From); err != nil {
		return Permanent(fmt.Errorf("from %q: %w", cfg.From, err))
	}
	if err := m.To(to...); err != nil {
		return Permanent(fmt.Errorf("recipients: %w", err))
	}
	m.Subject(subject)
	m.SetBodyString(mail.TypeTextPlain, body)

	c, err := mail.NewClient(cfg.Host, clientOptions(cfg)...)
	if err != nil {
		return Permanent(err)
	}
	if err := c.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("smtp %s: %w", cfg.Host, err)
	}
	return nil
}

func clientOptions(cfg EmailConfig) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTimeout(timeoutOr(cfg.Timeout)),
	}
	switch strings.ToLower(strings.TrimSpace(cfg.TLS)) {
	case "mandatory":
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return opts
}
