package notifier

import (
	"context"
	"time"

	"cronhub/internal/jobs"
)

// Config controls failure mail delivery.
type Config struct {
	Enabled bool
	// To receives every notification; jobs cannot override it.
	To              []string
	SubjectPrefix   string
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Mailer delivers one message. The email executor satisfies it.
type Mailer interface {
	Send(ctx context.Context, to []string, subject, body string) error
}

// Notification describes one finished fire of a job with a notify policy.
type Notification struct {
	Key     jobs.Key
	FireID  string
	OK      bool
	At      time.Time
	Took    time.Duration
	Summary string
}

type HistoryItem struct {
	At      time.Time
	Subject string
	Error   string
}

// NotificationEvent is published on the event bus for each pipeline step.
type NotificationEvent struct {
	Job   string    `json:"job"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
