package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/storage"
	"cronhub/internal/task/trigger"
	logx "cronhub/pkg/logx"

	"github.com/google/uuid"
)

// Result codes follow HTTP status semantics so a REST layer can pass them
// through unchanged.
const (
	CodeOK           = 200
	CodeInvalid      = 400
	CodeNotFound     = 404
	CodeConflict     = 409
	CodeExpiredEnd   = 410
	CodeStoreFailure = 500
	CodeNotRunning   = 503
)

const (
	deletePollEvery  = 100 * time.Millisecond
	previewFireTimes = 3
)

// ErrNotRunning is returned by TriggerNow while the loop is not running.
var ErrNotRunning = errors.New("scheduler not running")

// Result is the outcome of a management operation.
type Result struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (r Result) OK() bool { return r.Code == CodeOK }

func (r Result) Error() string { return fmt.Sprintf("%d %s", r.Code, r.Msg) }

func ok(format string, args ...any) Result {
	return Result{Code: CodeOK, Msg: fmt.Sprintf(format, args...)}
}

// resultOf maps the error taxonomy onto result codes.
func resultOf(err error) Result {
	if err == nil {
		return Result{Code: CodeOK, Msg: "ok"}
	}
	code := CodeStoreFailure
	switch {
	case errors.Is(err, jobs.ErrInvalidSchedule):
		code = CodeInvalid
	case errors.Is(err, jobs.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, jobs.ErrAlreadyExists),
		errors.Is(err, jobs.ErrInFlight),
		errors.Is(err, storage.ErrStateConflict):
		code = CodeConflict
	case errors.Is(err, jobs.ErrExpiredEndTime):
		code = CodeExpiredEnd
	case errors.Is(err, ErrNotRunning):
		code = CodeNotRunning
	}
	return Result{Code: code, Msg: err.Error()}
}

// JobSpec is the input of AddJob. Schedule accepts every form understood by
// trigger.ParseSchedule; a nil RepeatCount repeats an interval forever.
type JobSpec struct {
	Group       string            `json:"group" yaml:"group"`
	Name        string            `json:"name" yaml:"name"`
	Type        string            `json:"type" yaml:"type"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Params      map[string]string `json:"params,omitempty" yaml:"params"`
	Notify      string            `json:"notify,omitempty" yaml:"notify"`

	Schedule    string     `json:"schedule" yaml:"schedule"`
	RepeatCount *int       `json:"repeat_count,omitempty" yaml:"repeat_count"`
	StartTime   *time.Time `json:"start_time,omitempty" yaml:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty" yaml:"end_time"`
	Misfire     string     `json:"misfire,omitempty" yaml:"misfire"`

	// RunCount seeds the counter of a re-created job.
	RunCount int64 `json:"run_count,omitempty" yaml:"run_count"`
}

// JobView is the detailed read model of one job and its trigger.
type JobView struct {
	Key         jobs.Key          `json:"key"`
	Type        jobs.Type         `json:"type"`
	Description string            `json:"description,omitempty"`
	Params      map[string]string `json:"params,omitempty"`
	Notify      jobs.NotifyPolicy `json:"notify,omitempty"`
	// Address is where a fire goes: URL, recipients, topic or queue.
	Address string `json:"address"`

	Kind         jobs.Kind     `json:"kind,omitempty"`
	Cron         string        `json:"cron,omitempty"`
	Interval     time.Duration `json:"interval,omitempty"`
	RepeatCount  int           `json:"repeat_count"`
	Misfire      jobs.Misfire  `json:"misfire,omitempty"`
	StartTime    *time.Time    `json:"start_time,omitempty"`
	EndTime      *time.Time    `json:"end_time,omitempty"`
	State        jobs.State    `json:"state,omitempty"`
	Executing    bool          `json:"executing"`
	TimesFired   int           `json:"times_fired"`
	PrevFireTime *time.Time    `json:"prev_fire_time,omitempty"`
	NextFireTime *time.Time    `json:"next_fire_time,omitempty"`
	Upcoming     []time.Time   `json:"upcoming,omitempty"`

	RunCount  int64     `json:"run_count"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type JobGroupView struct {
	Group string    `json:"group"`
	Jobs  []JobView `json:"jobs"`
}

type JobBrief struct {
	Name         string     `json:"name"`
	State        jobs.State `json:"state,omitempty"`
	PrevFireTime *time.Time `json:"prev_fire_time,omitempty"`
	NextFireTime *time.Time `json:"next_fire_time,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
	RunCount     int64      `json:"run_count"`
}

type JobGroupBriefView struct {
	Group string     `json:"group"`
	Jobs  []JobBrief `json:"jobs"`
}

// AddJob validates spec and stores the job with a waiting trigger.
func (s *Service) AddJob(ctx context.Context, spec JobSpec) Result {
	job, trig, err := s.build(spec)
	if err != nil {
		return resultOf(err)
	}
	err = s.withStoreRetry(ctx, "add", func(c context.Context) error {
		return s.store.AddJob(c, job, trig)
	})
	if err != nil {
		return resultOf(err)
	}
	s.invalidate()

	fields := []logx.Field{logx.String("job", job.Key.String()), logx.String("type", string(job.Type)), logx.String("kind", string(trig.Kind))}
	if next, ok := s.calc.Plan(trig, s.now()); ok {
		fields = append(fields, logx.Time("next", next.FireAt))
	}
	s.log.Info("job added", fields...)
	return ok("job %s added", job.Key)
}

func (s *Service) build(spec JobSpec) (jobs.Job, jobs.Trigger, error) {
	key := jobs.NewKey(spec.Group, spec.Name)
	if !key.Valid() {
		return jobs.Job{}, jobs.Trigger{}, fmt.Errorf("%w: job name required", jobs.ErrInvalidSchedule)
	}
	typ, err := jobs.ParseType(spec.Type)
	if err != nil {
		return jobs.Job{}, jobs.Trigger{}, err
	}
	if err := s.exec.Validate(typ, spec.Params); err != nil {
		return jobs.Job{}, jobs.Trigger{}, fmt.Errorf("%s params: %w", typ, err)
	}
	notify, err := jobs.ParseNotifyPolicy(spec.Notify)
	if err != nil {
		return jobs.Job{}, jobs.Trigger{}, err
	}
	misfire, err := jobs.ParseMisfire(spec.Misfire)
	if err != nil {
		return jobs.Job{}, jobs.Trigger{}, err
	}
	ps, err := trigger.ParseSchedule(spec.Schedule)
	if err != nil {
		return jobs.Job{}, jobs.Trigger{}, err
	}

	now := s.now()
	trig := jobs.Trigger{
		Key:         key,
		Kind:        ps.Kind,
		Cron:        ps.Cron,
		Interval:    ps.Every,
		RepeatCount: -1,
		StartTime:   now,
		Misfire:     misfire,
		State:       jobs.StateWaiting,
		UpdatedAt:   now,
	}
	if spec.RepeatCount != nil && *spec.RepeatCount >= 0 {
		if ps.Kind != jobs.KindSimple {
			return jobs.Job{}, jobs.Trigger{}, fmt.Errorf("%w: repeat_count needs an interval schedule", jobs.ErrInvalidSchedule)
		}
		trig.RepeatCount = *spec.RepeatCount
	}
	if spec.StartTime != nil && !spec.StartTime.IsZero() {
		trig.StartTime = *spec.StartTime
	}
	if spec.EndTime != nil && !spec.EndTime.IsZero() {
		trig.EndTime = jobs.TimePtr(*spec.EndTime)
		if trig.Expired(now) {
			return jobs.Job{}, jobs.Trigger{}, fmt.Errorf("%w: end time %s has passed", jobs.ErrExpiredEndTime, spec.EndTime.Format(time.RFC3339))
		}
	}
	if err := s.calc.Validate(trig); err != nil {
		return jobs.Job{}, jobs.Trigger{}, err
	}
	if _, ok := s.calc.Scheduled(trig); !ok {
		return jobs.Job{}, jobs.Trigger{}, fmt.Errorf("%w: schedule %q never fires", jobs.ErrInvalidSchedule, spec.Schedule)
	}

	job := jobs.Job{
		Key:         key,
		Type:        typ,
		Params:      cleanParams(spec.Params),
		Description: strings.TrimSpace(spec.Description),
		Notify:      notify,
		RunCount:    max(spec.RunCount, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return job, trig, nil
}

func cleanParams(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			out[k] = v
		}
	}
	return out
}

// PauseOrDelete pauses the trigger of key. With del set it then waits for a
// running fire to finish (bounded by ctx) and removes the job and trigger.
func (s *Service) PauseOrDelete(ctx context.Context, key jobs.Key, del bool) Result {
	key = key.Normalize()
	pauseErr := s.pause(ctx, key)
	if !del {
		if pauseErr != nil {
			return resultOf(pauseErr)
		}
		s.log.Info("job paused", logx.String("job", key.String()))
		return ok("job %s paused", key)
	}
	if pauseErr != nil && !errors.Is(pauseErr, storage.ErrStateConflict) && !errors.Is(pauseErr, jobs.ErrNotFound) {
		return resultOf(pauseErr)
	}
	if err := s.deleteWhenIdle(ctx, key); err != nil {
		return resultOf(err)
	}
	s.log.Info("job deleted", logx.String("job", key.String()))
	return ok("job %s deleted", key)
}

func (s *Service) pause(ctx context.Context, key jobs.Key) error {
	from := []jobs.State{jobs.StateWaiting, jobs.StateAcquired, jobs.StateExecuting, jobs.StateError}
	err := s.withStoreRetry(ctx, "pause", func(c context.Context) error {
		_, err := s.store.SetState(c, key, from, jobs.StatePaused)
		return err
	})
	if errors.Is(err, storage.ErrStateConflict) {
		if t, gerr := s.store.GetTrigger(ctx, key); gerr == nil && t.State == jobs.StatePaused {
			return nil
		}
	}
	if err == nil {
		s.invalidate()
	}
	return err
}

func (s *Service) deleteWhenIdle(ctx context.Context, key jobs.Key) error {
	for {
		err := s.withStoreRetry(ctx, "delete", func(c context.Context) error {
			return s.store.DeleteJob(c, key)
		})
		if !errors.Is(err, jobs.ErrInFlight) {
			if err == nil {
				s.invalidate()
			}
			return err
		}
		// The pause above stops new fires; wait out the running one.
		wait := s.running(key)
		t := time.NewTimer(deletePollEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %s is still executing: %w", jobs.ErrInFlight, key, ctx.Err())
		case <-wait:
		case <-t.C:
		}
		t.Stop()
	}
}

// Resume moves a paused or errored trigger back to waiting. A trigger whose
// end time has passed stays paused.
func (s *Service) Resume(ctx context.Context, key jobs.Key) Result {
	key = key.Normalize()
	t, err := s.store.GetTrigger(ctx, key)
	if err != nil {
		return resultOf(err)
	}
	switch t.State {
	case jobs.StateWaiting, jobs.StateAcquired, jobs.StateExecuting:
		return ok("job %s is not paused", key)
	case jobs.StateComplete:
		return Result{Code: CodeConflict, Msg: fmt.Sprintf("job %s is complete", key)}
	}
	if t.Expired(s.now()) {
		return resultOf(fmt.Errorf("%w: job %s ended at %s", jobs.ErrExpiredEndTime, key, t.EndTime.Format(time.RFC3339)))
	}
	err = s.withStoreRetry(ctx, "resume", func(c context.Context) error {
		_, err := s.store.SetState(c, key, []jobs.State{jobs.StatePaused, jobs.StateError}, jobs.StateWaiting)
		return err
	})
	if err != nil {
		return resultOf(err)
	}
	s.invalidate()
	s.log.Info("job resumed", logx.String("job", key.String()))
	return ok("job %s resumed", key)
}

// TriggerNow fires key once right away without touching its schedule.
func (s *Service) TriggerNow(ctx context.Context, key jobs.Key) Result {
	key = key.Normalize()
	if !s.Running() {
		return resultOf(ErrNotRunning)
	}
	var f storage.Fire
	err := s.withStoreRetry(ctx, "trigger", func(c context.Context) error {
		var err error
		f, err = s.store.AcquireTrigger(c, key, uuid.NewString(), s.now())
		return err
	})
	if err != nil {
		return resultOf(err)
	}
	if err := s.submit(ctx, f); err != nil {
		return resultOf(err)
	}
	s.log.Info("job triggered", logx.String("job", key.String()), logx.String("fire", f.ID))
	return ok("job %s triggered", key)
}

func (s *Service) QueryJob(ctx context.Context, key jobs.Key) (JobView, Result) {
	key = key.Normalize()
	job, err := s.store.GetJob(ctx, key)
	if err != nil {
		return JobView{}, resultOf(err)
	}
	var trig *jobs.Trigger
	t, err := s.store.GetTrigger(ctx, key)
	switch {
	case err == nil:
		trig = &t
	case !errors.Is(err, jobs.ErrNotFound):
		return JobView{}, resultOf(err)
	}
	v := s.view(job, trig, s.now())
	if trig != nil {
		v.Upcoming = s.calc.Preview(*trig, s.now(), previewFireTimes)
	}
	return v, resultOf(nil)
}

func (s *Service) ListAllDetailed(ctx context.Context) ([]JobGroupView, Result) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, resultOf(err)
	}
	now := s.now()
	var out []JobGroupView
	for _, e := range entries {
		if len(out) == 0 || out[len(out)-1].Group != e.Job.Key.Group {
			out = append(out, JobGroupView{Group: e.Job.Key.Group})
		}
		g := &out[len(out)-1]
		g.Jobs = append(g.Jobs, s.view(e.Job, e.Trigger, now))
	}
	return out, resultOf(nil)
}

func (s *Service) ListAllBrief(ctx context.Context) ([]JobGroupBriefView, Result) {
	entries, err := s.store.ListAll(ctx)
	if err != nil {
		return nil, resultOf(err)
	}
	now := s.now()
	var out []JobGroupBriefView
	for _, e := range entries {
		if len(out) == 0 || out[len(out)-1].Group != e.Job.Key.Group {
			out = append(out, JobGroupBriefView{Group: e.Job.Key.Group})
		}
		b := JobBrief{Name: e.Job.Key.Name, LastError: e.Job.LastError, RunCount: e.Job.RunCount}
		if e.Trigger != nil {
			b.State = e.Trigger.State
			b.PrevFireTime = e.Trigger.PrevFireTime
			b.NextFireTime = s.nextFire(*e.Trigger, now)
		}
		g := &out[len(out)-1]
		g.Jobs = append(g.Jobs, b)
	}
	return out, resultOf(nil)
}

// ClearError empties the job's last error; an errored trigger resumes.
func (s *Service) ClearError(ctx context.Context, key jobs.Key) Result {
	key = key.Normalize()
	err := s.withStoreRetry(ctx, "clear_error", func(c context.Context) error {
		return s.store.ClearError(c, key)
	})
	if err != nil {
		return resultOf(err)
	}
	s.invalidate()
	return ok("job %s error cleared", key)
}

func (s *Service) JobLogs(ctx context.Context, key jobs.Key) ([]jobs.LogEntry, Result) {
	job, err := s.store.GetJob(ctx, key.Normalize())
	if err != nil {
		return nil, resultOf(err)
	}
	return job.Log, resultOf(nil)
}

func (s *Service) RunCount(ctx context.Context, key jobs.Key) (int64, Result) {
	job, err := s.store.GetJob(ctx, key.Normalize())
	if err != nil {
		return 0, resultOf(err)
	}
	return job.RunCount, resultOf(nil)
}

// StartScheduling starts the loop and reports whether it is running.
func (s *Service) StartScheduling(ctx context.Context) (bool, error) {
	err := s.Start(ctx)
	return s.Running(), err
}

// StopScheduling drains and stops the loop and reports whether it stopped.
// The same Service cannot be started again afterwards.
func (s *Service) StopScheduling(ctx context.Context) (bool, error) {
	err := s.Stop(ctx)
	s.mu.Lock()
	stopped := s.state == stateStopped
	s.mu.Unlock()
	return stopped, err
}

func (s *Service) view(job jobs.Job, t *jobs.Trigger, now time.Time) JobView {
	v := JobView{
		Key:         job.Key,
		Type:        job.Type,
		Description: job.Description,
		Params:      job.Params,
		Notify:      job.Notify,
		Address:     address(job),
		RunCount:    job.RunCount,
		LastError:   job.LastError,
		CreatedAt:   job.CreatedAt,
		UpdatedAt:   job.UpdatedAt,
	}
	if t == nil {
		return v
	}
	v.Kind = t.Kind
	v.Cron = t.Cron
	v.Interval = t.Interval
	v.RepeatCount = t.RepeatCount
	v.Misfire = t.EffectiveMisfire()
	v.StartTime = jobs.TimePtr(t.StartTime)
	v.EndTime = t.EndTime
	v.State = t.State
	v.Executing = t.Held()
	v.TimesFired = t.TimesFired
	v.PrevFireTime = t.PrevFireTime
	v.NextFireTime = s.nextFire(*t, now)
	return v
}

// nextFire derives the next fire time for display. Errored and complete
// triggers have none.
func (s *Service) nextFire(t jobs.Trigger, now time.Time) *time.Time {
	switch t.State {
	case jobs.StateComplete, jobs.StateError:
		return nil
	}
	plan, ok := s.calc.Plan(t, now)
	if !ok {
		return nil
	}
	return jobs.TimePtr(plan.FireAt)
}

func address(job jobs.Job) string {
	switch job.Type {
	case jobs.TypeHTTP:
		return job.Params[jobs.ParamURL]
	case jobs.TypeEmail:
		return job.Params[jobs.ParamTo]
	case jobs.TypeMQTT:
		return job.Params[jobs.ParamTopic]
	case jobs.TypeRabbitMQ:
		return job.Params[jobs.ParamQueue]
	default:
		return ""
	}
}
