package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"
)

// Store is the single source of truth for jobs and triggers.
//
// Every method is atomic: either all of its writes become durable or none do.
// Missing keys yield jobs.ErrNotFound; removing state a worker still holds
// yields jobs.ErrInFlight.
type Store interface {
	// AddJob inserts a job and its trigger together (jobs.ErrAlreadyExists).
	AddJob(ctx context.Context, job jobs.Job, trig jobs.Trigger) error
	UpsertJob(ctx context.Context, job jobs.Job) error
	GetJob(ctx context.Context, key jobs.Key) (jobs.Job, error)
	// DeleteJob removes the job and its trigger.
	DeleteJob(ctx context.Context, key jobs.Key) error

	// UpsertTrigger requires the job to exist.
	UpsertTrigger(ctx context.Context, trig jobs.Trigger) error
	GetTrigger(ctx context.Context, key jobs.Key) (jobs.Trigger, error)
	// DeleteTrigger unschedules a job and keeps the job record.
	DeleteTrigger(ctx context.Context, key jobs.Key) error

	// ListAll returns every job ordered by (group, name).
	ListAll(ctx context.Context) ([]Entry, error)

	// AcquireDueTriggers moves up to batch waiting, unheld triggers whose plan
	// is due at now into acquired and returns them by (fire time, group, name).
	// Waiting triggers without further fires are completed on the way.
	AcquireDueTriggers(ctx context.Context, now time.Time, batch int) ([]Fire, error)
	// AcquireTrigger holds a trigger for a manual fire without changing its state.
	AcquireTrigger(ctx context.Context, key jobs.Key, fireID string, now time.Time) (Fire, error)
	// BeginExecution moves a held trigger from acquired to executing.
	BeginExecution(ctx context.Context, key jobs.Key, fireID string) error
	// CompleteFire records the outcome, advances the schedule and releases the hold.
	CompleteFire(ctx context.Context, c Completion) (jobs.Trigger, error)
	// ReleaseFire drops a hold whose fire never ran; the slot stays due.
	ReleaseFire(ctx context.Context, key jobs.Key, fireID string) error

	// SetState moves a trigger to `to` when its current state is one of from.
	SetState(ctx context.Context, key jobs.Key, from []jobs.State, to jobs.State) (jobs.Trigger, error)
	// ClearError empties the job's last error; an errored trigger resumes waiting.
	ClearError(ctx context.Context, key jobs.Key) error
	// ReleaseStale frees holds taken before olderThan.
	ReleaseStale(ctx context.Context, olderThan time.Time) ([]jobs.Key, error)
	// NextFireTime is the earliest plan among waiting, unheld triggers.
	NextFireTime(ctx context.Context, now time.Time) (time.Time, bool, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, calc *trigger.Calculator, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if calc == nil {
		return nil, errors.New("storage: trigger calculator required")
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = jobs.DefaultLogSize
	}

	switch driver {
	case "memory", "mem":
		return NewMemory(calc, cfg.LogSize), nil
	case "file":
		return openFile(cfg, calc, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, calc, log)
	case "postgres", "postgresql", "pgx":
		return openPostgres(cfg, calc, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
