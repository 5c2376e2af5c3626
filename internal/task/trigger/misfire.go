package trigger

import (
	"time"

	"cronhub/internal/jobs"
)

// Action is the misfire evaluator's decision for a scheduled fire.
type Action int

const (
	ActionFireAtScheduled Action = iota
	ActionFireNow
	ActionSkip
)

func (a Action) String() string {
	switch a {
	case ActionFireAtScheduled:
		return "fire_at_scheduled"
	case ActionFireNow:
		return "fire_now"
	case ActionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Misfired reports whether scheduled is more than threshold behind now.
func Misfired(scheduled, now time.Time, threshold time.Duration) bool {
	return scheduled.Add(threshold).Before(now)
}

// ResolveMisfire decides how to handle a fire scheduled at scheduled.
func ResolveMisfire(t jobs.Trigger, scheduled, now time.Time, threshold time.Duration) Action {
	if !Misfired(scheduled, now, threshold) {
		return ActionFireAtScheduled
	}
	switch t.EffectiveMisfire() {
	case jobs.MisfireDoNothing:
		return ActionSkip
	default:
		return ActionFireNow
	}
}

// FirePlan is the resolved next fire of a trigger.
//
// FireAt is when the trigger becomes due. RecordAs is the slot written to
// PrevFireTime once the fire completes; the following fire is derived from it.
// Skipped counts the simple-trigger slots a skip passed over; they are used up
// from RepeatCount as if they had fired.
type FirePlan struct {
	Scheduled time.Time
	FireAt    time.Time
	RecordAs  time.Time
	Action    Action
	Misfired  bool
	Skipped   int
}

// Due reports whether the plan fires at or before now.
func (p FirePlan) Due(now time.Time) bool { return !p.FireAt.After(now) }

// Plan combines the calculator and the misfire evaluator. It returns false
// when the trigger has no further fires (it should complete).
func (c *Calculator) Plan(t jobs.Trigger, now time.Time) (FirePlan, bool) {
	scheduled, ok := c.Scheduled(t)
	if !ok {
		return FirePlan{}, false
	}
	threshold := c.MisfireThreshold()
	action := ResolveMisfire(t, scheduled, now, threshold)
	if action == ActionFireNow && t.Expired(now) {
		// Never fire after the end time, even to recover a missed slot.
		action = ActionSkip
	}

	switch action {
	case ActionFireAtScheduled:
		return FirePlan{Scheduled: scheduled, FireAt: scheduled, RecordAs: scheduled, Action: action}, true
	case ActionFireNow:
		plan := FirePlan{Scheduled: scheduled, FireAt: now, RecordAs: now, Action: action, Misfired: true}
		if t.EffectiveMisfire() == jobs.MisfireFireAndProceed && t.Kind == jobs.KindSimple {
			// Stay on the original grid: record the latest slot not after now.
			k := now.Sub(scheduled) / t.Interval
			plan.RecordAs = scheduled.Add(k * t.Interval)
		}
		return plan, true
	default:
		// First slot that is not itself misfired; it may already be due.
		next, ok := c.NextFireTime(t, now.Add(-threshold-time.Nanosecond))
		if !ok {
			return FirePlan{}, false
		}
		plan := FirePlan{Scheduled: scheduled, FireAt: next, RecordAs: next, Action: ActionSkip, Misfired: true}
		if t.Kind == jobs.KindSimple {
			plan.Skipped = int(next.Sub(scheduled) / t.Interval)
			if !t.Forever() && t.TimesFired+plan.Skipped > t.RepeatCount {
				return FirePlan{}, false
			}
		}
		return plan, true
	}
}

// Advance applies a completed scheduled fire to the trigger bookkeeping and
// reports whether more fires remain. skipped comes from FirePlan.Skipped.
func (c *Calculator) Advance(t jobs.Trigger, recordAs time.Time, skipped int) (jobs.Trigger, bool) {
	out := t.Clone()
	out.TimesFired += 1 + max(skipped, 0)
	out.PrevFireTime = jobs.TimePtr(recordAs)
	_, more := c.Scheduled(out)
	return out, more
}
