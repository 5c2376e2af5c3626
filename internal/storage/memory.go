package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"

	"github.com/google/uuid"
)

// mutation is one atomic change set. The file driver journals it as a
// single line before it is applied.
type mutation struct {
	Jobs           []jobs.Job     `json:"jobs,omitempty"`
	Triggers       []jobs.Trigger `json:"triggers,omitempty"`
	DeleteJobs     []jobs.Key     `json:"delete_jobs,omitempty"`
	DeleteTriggers []jobs.Key     `json:"delete_triggers,omitempty"`
}

func (m mutation) empty() bool {
	return len(m.Jobs) == 0 && len(m.Triggers) == 0 && len(m.DeleteJobs) == 0 && len(m.DeleteTriggers) == 0
}

// memStore keeps jobs and triggers in maps guarded by one mutex. Every
// operation is serialized, which makes acquisition trivially exclusive.
type memStore struct {
	mu sync.Mutex

	calc    *trigger.Calculator
	logSize int
	now     func() time.Time

	jobs  map[jobs.Key]jobs.Job
	trigs map[jobs.Key]jobs.Trigger

	// persist runs before a mutation is applied; a failure leaves memory untouched.
	persist func(m mutation) error
	closed  bool
}

// NewMemory returns a non-durable store.
func NewMemory(calc *trigger.Calculator, logSize int) Store {
	return newMemStore(calc, logSize)
}

func newMemStore(calc *trigger.Calculator, logSize int) *memStore {
	if logSize <= 0 {
		logSize = jobs.DefaultLogSize
	}
	return &memStore{
		calc:    calc,
		logSize: logSize,
		now:     time.Now,
		jobs:    map[jobs.Key]jobs.Job{},
		trigs:   map[jobs.Key]jobs.Trigger{},
	}
}

var errClosed = errors.New("store closed")

func (s *memStore) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	return nil
}

// writeLocked persists and applies m. Caller holds s.mu.
func (s *memStore) writeLocked(m mutation) error {
	if m.empty() {
		return nil
	}
	if s.persist != nil {
		if err := s.persist(m); err != nil {
			return err
		}
	}
	s.applyLocked(m)
	return nil
}

func (s *memStore) applyLocked(m mutation) {
	for _, j := range m.Jobs {
		s.jobs[j.Key] = j.Clone()
	}
	for _, t := range m.Triggers {
		s.trigs[t.Key] = t.Clone()
	}
	for _, k := range m.DeleteJobs {
		delete(s.jobs, k)
		delete(s.trigs, k)
	}
	for _, k := range m.DeleteTriggers {
		delete(s.trigs, k)
	}
}

func (s *memStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memStore) AddJob(ctx context.Context, job jobs.Job, trig jobs.Trigger) error {
	if err := validateAdd(job, trig); err != nil {
		return err
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key]; ok {
		return fmt.Errorf("%w: %s", jobs.ErrAlreadyExists, job.Key)
	}
	return s.writeLocked(mutation{Jobs: []jobs.Job{job}, Triggers: []jobs.Trigger{trig}})
}

func (s *memStore) UpsertJob(ctx context.Context, job jobs.Job) error {
	if !job.Key.Valid() {
		return fmt.Errorf("%w: job name required", jobs.ErrInvalidSchedule)
	}
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	return s.writeLocked(mutation{Jobs: []jobs.Job{job}})
}

func (s *memStore) GetJob(ctx context.Context, key jobs.Key) (jobs.Job, error) {
	if err := s.begin(ctx); err != nil {
		return jobs.Job{}, err
	}
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	if !ok {
		return jobs.Job{}, notFound(key)
	}
	return j.Clone(), nil
}

func (s *memStore) DeleteJob(ctx context.Context, key jobs.Key) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.jobs[key]; !ok {
		return notFound(key)
	}
	if t, ok := s.trigs[key]; ok && t.Held() {
		return fmt.Errorf("%w: %s", jobs.ErrInFlight, key)
	}
	return s.writeLocked(mutation{DeleteJobs: []jobs.Key{key}})
}

func (s *memStore) UpsertTrigger(ctx context.Context, trig jobs.Trigger) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if _, ok := s.jobs[trig.Key]; !ok {
		return notFound(trig.Key)
	}
	if cur, ok := s.trigs[trig.Key]; ok && cur.Held() && cur.HeldBy != trig.HeldBy {
		return fmt.Errorf("%w: %s", jobs.ErrInFlight, trig.Key)
	}
	return s.writeLocked(mutation{Triggers: []jobs.Trigger{trig}})
}

func (s *memStore) GetTrigger(ctx context.Context, key jobs.Key) (jobs.Trigger, error) {
	if err := s.begin(ctx); err != nil {
		return jobs.Trigger{}, err
	}
	defer s.mu.Unlock()
	t, ok := s.trigs[key]
	if !ok {
		return jobs.Trigger{}, notFound(key)
	}
	return t.Clone(), nil
}

func (s *memStore) DeleteTrigger(ctx context.Context, key jobs.Key) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t, ok := s.trigs[key]
	if !ok {
		return notFound(key)
	}
	if t.Held() {
		return fmt.Errorf("%w: %s", jobs.ErrInFlight, key)
	}
	return s.writeLocked(mutation{DeleteTriggers: []jobs.Key{key}})
}

func (s *memStore) ListAll(ctx context.Context) ([]Entry, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.jobs))
	for k, j := range s.jobs {
		e := Entry{Job: j.Clone()}
		if t, ok := s.trigs[k]; ok {
			tc := t.Clone()
			e.Trigger = &tc
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Job.Key.Less(out[j].Job.Key) })
	return out, nil
}

func (s *memStore) triggersLocked() []jobs.Trigger {
	out := make([]jobs.Trigger, 0, len(s.trigs))
	for _, t := range s.trigs {
		out = append(out, t)
	}
	return out
}

func (s *memStore) AcquireDueTriggers(ctx context.Context, now time.Time, batch int) ([]Fire, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	due, exhausted := scanDue(s.calc, s.triggersLocked(), now)
	var m mutation
	for _, k := range exhausted {
		t := s.trigs[k].Clone()
		t.State = jobs.StateComplete
		t.UpdatedAt = now
		m.Triggers = append(m.Triggers, t)
	}
	var fires []Fire
	for _, c := range due {
		if batch > 0 && len(fires) >= batch {
			break
		}
		job, ok := s.jobs[c.trig.Key]
		if !ok {
			continue
		}
		id := uuid.NewString()
		held := hold(c.trig, id, now, jobs.StateAcquired)
		m.Triggers = append(m.Triggers, held)
		fires = append(fires, Fire{ID: id, Job: job.Clone(), Trigger: held.Clone(), Plan: c.plan, AcquiredAt: now})
	}
	if err := s.writeLocked(m); err != nil {
		return nil, err
	}
	return fires, nil
}

func (s *memStore) AcquireTrigger(ctx context.Context, key jobs.Key, fireID string, now time.Time) (Fire, error) {
	if err := s.begin(ctx); err != nil {
		return Fire{}, err
	}
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return Fire{}, notFound(key)
	}
	t, ok := s.trigs[key]
	if !ok {
		return Fire{}, notFound(key)
	}
	if err := acquirable(t); err != nil {
		return Fire{}, err
	}
	held := hold(t, fireID, now, t.State)
	if err := s.writeLocked(mutation{Triggers: []jobs.Trigger{held}}); err != nil {
		return Fire{}, err
	}
	return Fire{ID: fireID, Job: job.Clone(), Trigger: held.Clone(), Plan: manualPlan(now), Manual: true, AcquiredAt: now}, nil
}

func manualPlan(now time.Time) trigger.FirePlan {
	return trigger.FirePlan{Scheduled: now, FireAt: now, RecordAs: now, Action: trigger.ActionFireNow}
}

func (s *memStore) BeginExecution(ctx context.Context, key jobs.Key, fireID string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t, ok := s.trigs[key]
	if !ok {
		return notFound(key)
	}
	if t.HeldBy != fireID {
		return fmt.Errorf("%w: %s no longer held by %s", jobs.ErrInFlight, key, fireID)
	}
	if t.State != jobs.StateAcquired {
		return nil
	}
	t = t.Clone()
	t.State = jobs.StateExecuting
	t.UpdatedAt = s.now()
	return s.writeLocked(mutation{Triggers: []jobs.Trigger{t}})
}

func (s *memStore) CompleteFire(ctx context.Context, c Completion) (jobs.Trigger, error) {
	if err := s.begin(ctx); err != nil {
		return jobs.Trigger{}, err
	}
	defer s.mu.Unlock()
	job, ok := s.jobs[c.Key]
	if !ok {
		return jobs.Trigger{}, notFound(c.Key)
	}
	job = job.Clone()
	var m mutation
	var tp *jobs.Trigger
	if t, ok := s.trigs[c.Key]; ok {
		tc := t.Clone()
		tp = &tc
	}
	if applyCompletion(s.calc, &job, tp, c, s.logSize) {
		m.Triggers = append(m.Triggers, *tp)
	}
	m.Jobs = append(m.Jobs, job)
	if err := s.writeLocked(m); err != nil {
		return jobs.Trigger{}, err
	}
	if tp == nil {
		return jobs.Trigger{}, nil
	}
	return s.trigs[c.Key].Clone(), nil
}

func (s *memStore) ReleaseFire(ctx context.Context, key jobs.Key, fireID string) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	t, ok := s.trigs[key]
	if !ok || t.HeldBy != fireID {
		return nil
	}
	t = t.Clone()
	reclaim(&t, s.now())
	return s.writeLocked(mutation{Triggers: []jobs.Trigger{t}})
}

func (s *memStore) SetState(ctx context.Context, key jobs.Key, from []jobs.State, to jobs.State) (jobs.Trigger, error) {
	if err := s.begin(ctx); err != nil {
		return jobs.Trigger{}, err
	}
	defer s.mu.Unlock()
	t, ok := s.trigs[key]
	if !ok {
		return jobs.Trigger{}, notFound(key)
	}
	if !containsState(from, t.State) {
		return t.Clone(), fmt.Errorf("%w: %s is %s", ErrStateConflict, key, t.State)
	}
	t = t.Clone()
	t.State = to
	t.UpdatedAt = s.now()
	if err := s.writeLocked(mutation{Triggers: []jobs.Trigger{t}}); err != nil {
		return jobs.Trigger{}, err
	}
	return t.Clone(), nil
}

func (s *memStore) ClearError(ctx context.Context, key jobs.Key) error {
	if err := s.begin(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	job, ok := s.jobs[key]
	if !ok {
		return notFound(key)
	}
	now := s.now()
	job = job.Clone()
	job.LastError = ""
	job.UpdatedAt = now
	m := mutation{Jobs: []jobs.Job{job}}
	if t, ok := s.trigs[key]; ok && t.State == jobs.StateError {
		t = t.Clone()
		t.State = jobs.StateWaiting
		t.UpdatedAt = now
		m.Triggers = append(m.Triggers, t)
	}
	return s.writeLocked(m)
}

func (s *memStore) ReleaseStale(ctx context.Context, olderThan time.Time) ([]jobs.Key, error) {
	if err := s.begin(ctx); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	now := s.now()
	var (
		m    mutation
		keys []jobs.Key
	)
	for k, t := range s.trigs {
		if !stale(t, olderThan) {
			continue
		}
		t = t.Clone()
		reclaim(&t, now)
		m.Triggers = append(m.Triggers, t)
		keys = append(keys, k)
	}
	if err := s.writeLocked(m); err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys, nil
}

func (s *memStore) NextFireTime(ctx context.Context, now time.Time) (time.Time, bool, error) {
	if err := s.begin(ctx); err != nil {
		return time.Time{}, false, err
	}
	defer s.mu.Unlock()
	at, ok := earliest(s.calc, s.triggersLocked(), now)
	return at, ok, nil
}
