package trigger

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cronhub/internal/jobs"
)

// DefaultMisfireThreshold is how late a fire may be before it counts as misfired.
const DefaultMisfireThreshold = 5 * time.Second

// Calculator computes fire times for triggers.
//
// All methods are pure with respect to time: the reference time is always a
// parameter. Parsed cron expressions are cached by expression string.
type Calculator struct {
	loc       *time.Location
	threshold atomic.Int64

	mu     sync.RWMutex
	parsed map[string]cron.Schedule
}

// NewCalculator evaluates cron expressions in loc (nil means time.Local).
func NewCalculator(loc *time.Location, misfireThreshold time.Duration) *Calculator {
	if loc == nil {
		loc = time.Local
	}
	c := &Calculator{loc: loc, parsed: map[string]cron.Schedule{}}
	c.SetMisfireThreshold(misfireThreshold)
	return c
}

func (c *Calculator) Location() *time.Location { return c.loc }

func (c *Calculator) MisfireThreshold() time.Duration {
	return time.Duration(c.threshold.Load())
}

// SetMisfireThreshold is safe to call while plans are being computed.
func (c *Calculator) SetMisfireThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultMisfireThreshold
	}
	c.threshold.Store(int64(d))
}

// Validate rejects triggers that could never be evaluated.
func (c *Calculator) Validate(t jobs.Trigger) error {
	if t.EndTime != nil && !t.StartTime.IsZero() && t.EndTime.Before(t.StartTime) {
		return fmt.Errorf("%w: end time before start time", jobs.ErrInvalidSchedule)
	}
	switch t.Kind {
	case jobs.KindCron:
		_, err := c.schedule(t.Cron)
		return err
	case jobs.KindSimple:
		if t.Interval <= 0 {
			return fmt.Errorf("%w: interval must be > 0", jobs.ErrInvalidSchedule)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown schedule kind %q", jobs.ErrInvalidSchedule, t.Kind)
	}
}

func (c *Calculator) schedule(expr string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	c.mu.RLock()
	s, ok := c.parsed[expr]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}
	s, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.parsed[expr] = s
	c.mu.Unlock()
	return s, nil
}

// NextFireTime returns the earliest fire time strictly after after.
//
// The result is never before the trigger's start time and never after its end
// time; false means the schedule is exhausted.
func (c *Calculator) NextFireTime(t jobs.Trigger, after time.Time) (time.Time, bool) {
	switch t.Kind {
	case jobs.KindCron:
		sched, err := c.schedule(t.Cron)
		if err != nil {
			return time.Time{}, false
		}
		base := after
		if !t.StartTime.IsZero() && t.StartTime.After(base) {
			base = t.StartTime.Add(-time.Nanosecond)
		}
		n := sched.Next(base.In(c.loc))
		if n.IsZero() {
			return time.Time{}, false
		}
		return within(t, n)
	case jobs.KindSimple:
		first, ok := c.simpleCandidate(t)
		if !ok {
			return time.Time{}, false
		}
		if first.After(after) {
			return within(t, first)
		}
		k := after.Sub(first)/t.Interval + 1
		return within(t, first.Add(k*t.Interval))
	default:
		return time.Time{}, false
	}
}

// Scheduled returns the next slot implied by the trigger's bookkeeping,
// ignoring the current time.
func (c *Calculator) Scheduled(t jobs.Trigger) (time.Time, bool) {
	switch t.Kind {
	case jobs.KindCron:
		if t.PrevFireTime == nil {
			return c.NextFireTime(t, t.StartTime.Add(-time.Nanosecond))
		}
		return c.NextFireTime(t, *t.PrevFireTime)
	case jobs.KindSimple:
		first, ok := c.simpleCandidate(t)
		if !ok {
			return time.Time{}, false
		}
		return within(t, first)
	default:
		return time.Time{}, false
	}
}

// simpleCandidate is StartTime for the first fire and PrevFireTime+Interval
// afterwards; a finite trigger fires RepeatCount+1 times in total.
func (c *Calculator) simpleCandidate(t jobs.Trigger) (time.Time, bool) {
	if t.Interval <= 0 {
		return time.Time{}, false
	}
	if !t.Forever() && t.TimesFired > t.RepeatCount {
		return time.Time{}, false
	}
	if t.TimesFired == 0 || t.PrevFireTime == nil {
		return t.StartTime, true
	}
	return t.PrevFireTime.Add(t.Interval), true
}

func within(t jobs.Trigger, candidate time.Time) (time.Time, bool) {
	if t.EndTime != nil && candidate.After(*t.EndTime) {
		return time.Time{}, false
	}
	return candidate, true
}

// Preview lists up to n upcoming fire times after from.
func (c *Calculator) Preview(t jobs.Trigger, from time.Time, n int) []time.Time {
	out := make([]time.Time, 0, n)
	cur := t.Clone()
	for len(out) < n {
		next, ok := c.Scheduled(cur)
		if !ok {
			break
		}
		if !next.After(from) {
			next, ok = c.NextFireTime(cur, from)
			if !ok {
				break
			}
		}
		out = append(out, next)
		cur.TimesFired++
		cur.PrevFireTime = jobs.TimePtr(next)
		from = next
	}
	return out
}
