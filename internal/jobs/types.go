package jobs

import (
	"fmt"
	"strings"
	"time"
)

// DefaultGroup is used when a key is created without a group.
const DefaultGroup = "DEFAULT"

// Key identifies a job. The trigger of a job shares its key.
type Key struct {
	Group string `json:"group"`
	Name  string `json:"name"`
}

func NewKey(group, name string) Key {
	return Key{Group: group, Name: name}.Normalize()
}

// Normalize trims whitespace and fills the default group.
func (k Key) Normalize() Key {
	k.Group = strings.TrimSpace(k.Group)
	k.Name = strings.TrimSpace(k.Name)
	if k.Group == "" {
		k.Group = DefaultGroup
	}
	return k
}

func (k Key) Valid() bool { return strings.TrimSpace(k.Name) != "" }

func (k Key) String() string { return k.Group + "." + k.Name }

// Less orders keys by (group, name).
func (k Key) Less(o Key) bool {
	if k.Group != o.Group {
		return k.Group < o.Group
	}
	return k.Name < o.Name
}

// ParseKey accepts "group.name" or a bare "name" (default group).
func ParseKey(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Key{}, fmt.Errorf("job key required")
	}
	if i := strings.Index(s, "."); i > 0 && i < len(s)-1 {
		return NewKey(s[:i], s[i+1:]), nil
	}
	return NewKey("", s), nil
}

// Type is the closed set of executor variants.
type Type string

const (
	TypeHTTP     Type = "http"
	TypeEmail    Type = "email"
	TypeMQTT     Type = "mqtt"
	TypeRabbitMQ Type = "rabbitmq"
)

// Types lists every job type in declaration order.
var Types = []Type{TypeHTTP, TypeEmail, TypeMQTT, TypeRabbitMQ}

// ParseType maps a stored or user supplied job type to a variant.
//
// Records written before job types existed carry an empty type or "none";
// those load as http.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "url", "http":
		return TypeHTTP, nil
	case "email", "mail":
		return TypeEmail, nil
	case "mqtt":
		return TypeMQTT, nil
	case "rabbitmq", "rabbit", "amqp":
		return TypeRabbitMQ, nil
	default:
		return "", fmt.Errorf("%w: unknown job type %q", ErrInvalidSchedule, s)
	}
}

// Kind selects the schedule shape of a trigger.
type Kind string

const (
	KindCron   Kind = "cron"
	KindSimple Kind = "simple"
)

// Misfire selects what happens when a fire time passed without being acted on.
type Misfire string

const (
	MisfireDefault        Misfire = ""
	MisfireDoNothing      Misfire = "do_nothing"
	MisfireFireNow        Misfire = "fire_now"
	MisfireFireAndProceed Misfire = "fire_and_proceed"
)

func ParseMisfire(s string) (Misfire, error) {
	switch Misfire(strings.ToLower(strings.TrimSpace(s))) {
	case MisfireDefault:
		return MisfireDefault, nil
	case MisfireDoNothing:
		return MisfireDoNothing, nil
	case MisfireFireNow:
		return MisfireFireNow, nil
	case MisfireFireAndProceed:
		return MisfireFireAndProceed, nil
	default:
		return "", fmt.Errorf("%w: unknown misfire instruction %q", ErrInvalidSchedule, s)
	}
}

// State is the trigger lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StatePaused    State = "paused"
	StateAcquired  State = "acquired"
	StateExecuting State = "executing"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// NotifyPolicy controls failure/success mail notifications for a job.
type NotifyPolicy string

const (
	NotifyNone  NotifyPolicy = "none"
	NotifyError NotifyPolicy = "error"
	NotifyAll   NotifyPolicy = "all"
)

func ParseNotifyPolicy(s string) (NotifyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return NotifyNone, nil
	case "error", "err":
		return NotifyError, nil
	case "all":
		return NotifyAll, nil
	default:
		return "", fmt.Errorf("%w: unknown notify policy %q", ErrInvalidSchedule, s)
	}
}

// Parameter keys understood by the executors.
const (
	ParamURL     = "url"
	ParamMethod  = "method"
	ParamHeaders = "headers"
	ParamBody    = "body"

	ParamSubject = "subject"
	ParamTo      = "to"

	ParamTopic   = "topic"
	ParamPayload = "payload"

	ParamQueue = "queue"
)

// LogEntry is one line of a job's bounded execution log.
type LogEntry struct {
	At      time.Time     `json:"at"`
	FireID  string        `json:"fire_id,omitempty"`
	OK      bool          `json:"ok"`
	Took    time.Duration `json:"took"`
	Message string        `json:"message"`
}

func (e LogEntry) String() string {
	status := "ok"
	if !e.OK {
		status = "failed"
	}
	return fmt.Sprintf("%s %s (%s) %s", e.At.Format(time.RFC3339), status, e.Took.Round(time.Millisecond), e.Message)
}

// Job is a persisted job definition plus its execution bookkeeping.
type Job struct {
	Key         Key               `json:"key"`
	Type        Type              `json:"type"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description,omitempty"`
	Notify      NotifyPolicy      `json:"notify,omitempty"`

	RunCount  int64      `json:"run_count"`
	LastError string     `json:"last_error,omitempty"`
	Log       []LogEntry `json:"log,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so store internals never leak.
func (j Job) Clone() Job {
	cp := j
	if j.Params != nil {
		cp.Params = make(map[string]string, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	if j.Log != nil {
		cp.Log = append([]LogEntry(nil), j.Log...)
	}
	return cp
}

// AppendLog appends e and keeps at most limit entries (newest last).
func (j *Job) AppendLog(e LogEntry, limit int) {
	if limit <= 0 {
		limit = DefaultLogSize
	}
	j.Log = append(j.Log, e)
	if len(j.Log) > limit {
		j.Log = append([]LogEntry(nil), j.Log[len(j.Log)-limit:]...)
	}
}

// DefaultLogSize bounds Job.Log when no explicit limit is configured.
const DefaultLogSize = 50

// Trigger is the persisted schedule of a job.
//
// The next fire time is never stored; it is derived from the schedule,
// PrevFireTime, TimesFired and the misfire instruction.
type Trigger struct {
	Key Key `json:"key"`

	Kind        Kind          `json:"kind"`
	Cron        string        `json:"cron,omitempty"`
	Interval    time.Duration `json:"interval,omitempty"`
	RepeatCount int           `json:"repeat_count"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     *time.Time    `json:"end_time,omitempty"`
	Misfire     Misfire       `json:"misfire,omitempty"`

	State State `json:"state"`

	TimesFired   int        `json:"times_fired"`
	PrevFireTime *time.Time `json:"prev_fire_time,omitempty"`

	HeldSince *time.Time `json:"held_since,omitempty"`
	HeldBy    string     `json:"held_by,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (t Trigger) Clone() Trigger {
	cp := t
	cp.EndTime = cloneTime(t.EndTime)
	cp.PrevFireTime = cloneTime(t.PrevFireTime)
	cp.HeldSince = cloneTime(t.HeldSince)
	return cp
}

// Held reports whether a worker currently owns a fire of this trigger.
func (t Trigger) Held() bool { return t.HeldSince != nil }

// Forever reports whether a simple trigger repeats without limit.
func (t Trigger) Forever() bool { return t.RepeatCount < 0 }

// Expired reports whether the end time has passed at now.
func (t Trigger) Expired(now time.Time) bool {
	return t.EndTime != nil && !t.EndTime.After(now)
}

// EffectiveMisfire resolves MisfireDefault per schedule kind.
func (t Trigger) EffectiveMisfire() Misfire {
	if t.Misfire != MisfireDefault {
		return t.Misfire
	}
	if t.Kind == KindSimple {
		return MisfireFireNow
	}
	return MisfireFireAndProceed
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// TimePtr is a small helper for optional timestamps.
func TimePtr(t time.Time) *time.Time { return &t }
