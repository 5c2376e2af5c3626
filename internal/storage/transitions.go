package storage

import (
	"fmt"
	"sort"
	"time"

	"cronhub/internal/jobs"
	"cronhub/internal/task/trigger"
)

// candidate is a waiting trigger considered for acquisition.
type candidate struct {
	trig jobs.Trigger
	plan trigger.FirePlan
}

// scanDue splits waiting, unheld triggers into due candidates (ordered by
// fire time, then key) and exhausted keys that should be completed.
func scanDue(calc *trigger.Calculator, trigs []jobs.Trigger, now time.Time) (due []candidate, exhausted []jobs.Key) {
	for _, t := range trigs {
		if t.State != jobs.StateWaiting || t.Held() {
			continue
		}
		plan, ok := calc.Plan(t, now)
		if !ok {
			exhausted = append(exhausted, t.Key)
			continue
		}
		if plan.Due(now) {
			due = append(due, candidate{trig: t, plan: plan})
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.plan.FireAt.Equal(b.plan.FireAt) {
			return a.plan.FireAt.Before(b.plan.FireAt)
		}
		return a.trig.Key.Less(b.trig.Key)
	})
	return due, exhausted
}

// earliest returns the smallest plan fire time among waiting, unheld triggers.
func earliest(calc *trigger.Calculator, trigs []jobs.Trigger, now time.Time) (time.Time, bool) {
	var (
		best  time.Time
		found bool
	)
	for _, t := range trigs {
		if t.State != jobs.StateWaiting || t.Held() {
			continue
		}
		plan, ok := calc.Plan(t, now)
		if !ok {
			continue
		}
		if !found || plan.FireAt.Before(best) {
			best, found = plan.FireAt, true
		}
	}
	return best, found
}

func hold(t jobs.Trigger, fireID string, now time.Time, state jobs.State) jobs.Trigger {
	out := t.Clone()
	out.State = state
	out.HeldSince = jobs.TimePtr(now)
	out.HeldBy = fireID
	out.UpdatedAt = now
	return out
}

func release(t *jobs.Trigger) {
	t.HeldSince = nil
	t.HeldBy = ""
}

// applyCompletion writes the outcome of a fire into the job and, when the
// fire still owns the trigger, advances the trigger. It reports whether the
// trigger changed.
func applyCompletion(calc *trigger.Calculator, job *jobs.Job, trig *jobs.Trigger, c Completion, logSize int) bool {
	job.RunCount++
	if c.OK {
		job.LastError = ""
	} else {
		job.LastError = c.Error
	}
	job.AppendLog(c.Log, logSize)
	job.UpdatedAt = c.At

	if trig == nil || trig.HeldBy != c.FireID {
		// Reclaimed or deleted meanwhile; the new owner decides the schedule.
		return false
	}

	if !c.Manual {
		next, more := calc.Advance(*trig, c.RecordAs, c.Skipped)
		*trig = next
		if !more {
			trig.State = jobs.StateComplete
		}
	}
	release(trig)
	trig.UpdatedAt = c.At

	switch trig.State {
	case jobs.StateAcquired, jobs.StateExecuting:
		if c.Permanent {
			trig.State = jobs.StateError
		} else {
			trig.State = jobs.StateWaiting
		}
	case jobs.StateWaiting:
		if c.Permanent {
			trig.State = jobs.StateError
		}
	}
	return true
}

// acquirable validates a manual fire request against the trigger.
func acquirable(t jobs.Trigger) error {
	if t.Held() {
		return fmt.Errorf("%w: %s", jobs.ErrInFlight, t.Key)
	}
	return nil
}

// stale reports whether a hold started before olderThan.
func stale(t jobs.Trigger, olderThan time.Time) bool {
	return t.Held() && t.HeldSince.Before(olderThan)
}

// reclaim releases a stale hold. Scheduled fires go back to waiting so the
// missed slot runs through the misfire evaluator again.
func reclaim(t *jobs.Trigger, now time.Time) {
	release(t)
	if t.State == jobs.StateAcquired || t.State == jobs.StateExecuting {
		t.State = jobs.StateWaiting
	}
	t.UpdatedAt = now
}

func containsState(states []jobs.State, s jobs.State) bool {
	for _, v := range states {
		if v == s {
			return true
		}
	}
	return false
}

func notFound(key jobs.Key) error {
	return fmt.Errorf("%w: %s", jobs.ErrNotFound, key)
}

func validateAdd(job jobs.Job, trig jobs.Trigger) error {
	if !job.Key.Valid() {
		return fmt.Errorf("%w: job name required", jobs.ErrInvalidSchedule)
	}
	if job.Key != trig.Key {
		return fmt.Errorf("%w: trigger key %s does not match job %s", jobs.ErrInvalidSchedule, trig.Key, job.Key)
	}
	return nil
}
