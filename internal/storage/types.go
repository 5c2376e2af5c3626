package storage

import (
	"errors"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, nothing survives a restart (tests, dry runs)
//   - "file": JSON snapshot + JSONL journal next to Path
//   - "sqlite": SQLite database file at Path (default)
//   - "postgres": PostgreSQL reachable through DSN
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// LogSize bounds each job's execution log.
	LogSize int
}

// Entry is one job with its trigger. Trigger is nil when the trigger was
// deleted and the job kept.
type Entry struct {
	Job     jobs.Job
	Trigger *jobs.Trigger
}

// Fire is a trigger held by the caller for one execution.
type Fire struct {
	ID      string
	Job     jobs.Job
	Trigger jobs.Trigger
	Plan    trigger.FirePlan
	// Manual fires come from trigger-now and leave the schedule untouched.
	Manual     bool
	AcquiredAt time.Time
}

// Completion is the result of a fire written back by CompleteFire.
type Completion struct {
	Key    jobs.Key
	FireID string
	Manual bool
	// RecordAs becomes PrevFireTime for scheduled fires.
	RecordAs time.Time
	// Skipped slots are counted as fired (see trigger.FirePlan).
	Skipped int

	At        time.Time
	OK        bool
	Permanent bool
	Error     string
	Log       jobs.LogEntry
}

// ErrStateConflict is returned by SetState when the trigger is not in one of
// the expected states.
var ErrStateConflict = errors.New("trigger state conflict")
