package trigger

import (
	"errors"
	"testing"
	"time"

	"cronhub/internal/jobs"
)

var t0 = time.Date(2025, time.March, 10, 10, 0, 0, 0, time.UTC)

func newCalc() *Calculator { return NewCalculator(time.UTC, 5*time.Second) }

func TestCronNextIsStrictlyAfterAndMatches(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		expr  string
		match func(time.Time) bool
	}{
		{name: "five fields", expr: "*/5 * * * *", match: func(x time.Time) bool { return x.Minute()%5 == 0 && x.Second() == 0 }},
		{name: "six fields", expr: "0 30 9 * * *", match: func(x time.Time) bool { return x.Hour() == 9 && x.Minute() == 30 && x.Second() == 0 }},
		{name: "question mark", expr: "15 0 0 ? * MON", match: func(x time.Time) bool { return x.Weekday() == time.Monday && x.Second() == 15 && x.Hour() == 0 }},
		{name: "seven fields", expr: "0 0 12 1 1 ? 2030", match: func(x time.Time) bool {
			return x.Year() == 2030 && x.Month() == time.January && x.Day() == 1 && x.Hour() == 12
		}},
		{name: "year range step", expr: "0 0 0 1 6 ? 2026-2040/4", match: func(x time.Time) bool {
			return (x.Year()-2026)%4 == 0 && x.Month() == time.June && x.Day() == 1
		}},
		{name: "descriptor", expr: "@hourly", match: func(x time.Time) bool { return x.Minute() == 0 && x.Second() == 0 }},
	}

	refs := []time.Time{
		t0,
		t0.Add(17*time.Minute + 3*time.Second),
		time.Date(2025, time.December, 31, 23, 59, 59, 999, time.UTC),
		time.Date(2028, time.February, 29, 9, 30, 0, 0, time.UTC),
	}

	c := newCalc()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr := jobs.Trigger{Kind: jobs.KindCron, Cron: tt.expr, StartTime: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
			if err := c.Validate(tr); err != nil {
				t.Fatalf("Validate(%q) error: %v", tt.expr, err)
			}
			for _, ref := range refs {
				got, ok := c.NextFireTime(tr, ref)
				if !ok {
					t.Fatalf("NextFireTime(%q, %v) exhausted", tt.expr, ref)
				}
				if !got.After(ref) {
					t.Fatalf("NextFireTime(%q, %v) = %v, want strictly after", tt.expr, ref, got)
				}
				if !tt.match(got) {
					t.Fatalf("NextFireTime(%q, %v) = %v does not match expression", tt.expr, ref, got)
				}
			}
		})
	}
}

func TestCronInvalidExpressions(t *testing.T) {
	t.Parallel()
	c := newCalc()
	for _, expr := range []string{
		"", "* * *", "61 * * * *", "0 0 0 1 1 ? 1800", "0 0 0 1 1 ? 2031-2030", "a b c d e",
		"0 0 12 ? * 0", "0 0 12 ? * 8", "0 0 12 ? * 6L", "0 0 12 ? * L", "0 0 12 ? * 2#1",
		"0 0 12 L * ?", "0 0 12 LW * ?", "0 0 12 15W * ?",
	} {
		err := c.Validate(jobs.Trigger{Kind: jobs.KindCron, Cron: expr, StartTime: t0})
		if !errors.Is(err, jobs.ErrInvalidSchedule) {
			t.Fatalf("Validate(%q) = %v, want ErrInvalidSchedule", expr, err)
		}
	}
}

func TestCronDayOfWeekDialects(t *testing.T) {
	t.Parallel()
	// t0 is Monday 2025-03-10 10:00 UTC.
	tests := []struct {
		expr string
		want time.Time
	}{
		{"0 12 * * 0", time.Date(2025, time.March, 16, 12, 0, 0, 0, time.UTC)},
		{"0 12 * * 6", time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)},
		{"0 0 12 ? * 1", time.Date(2025, time.March, 16, 12, 0, 0, 0, time.UTC)},
		{"0 0 12 ? * 7", time.Date(2025, time.March, 15, 12, 0, 0, 0, time.UTC)},
		{"0 0 12 ? * SUN", time.Date(2025, time.March, 16, 12, 0, 0, 0, time.UTC)},
		{"0 0 9 ? * 3-5", time.Date(2025, time.March, 11, 9, 0, 0, 0, time.UTC)},
		{"0 0 9 ? * 1,7", time.Date(2025, time.March, 15, 9, 0, 0, 0, time.UTC)},
		{"0 0 9 ? * 2/7", time.Date(2025, time.March, 17, 9, 0, 0, 0, time.UTC)},
		{"0 0 12 ? * 1 2030", time.Date(2030, time.January, 6, 12, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			sched, err := ParseCron(tt.expr)
			if err != nil {
				t.Fatalf("ParseCron(%q) error: %v", tt.expr, err)
			}
			if got := sched.Next(t0); !got.Equal(tt.want) {
				t.Fatalf("Next = %v (%s), want %v (%s)", got, got.Weekday(), tt.want, tt.want.Weekday())
			}
		})
	}
}

func TestSimpleValidation(t *testing.T) {
	t.Parallel()
	c := newCalc()
	if err := c.Validate(jobs.Trigger{Kind: jobs.KindSimple, Interval: 0, StartTime: t0}); !errors.Is(err, jobs.ErrInvalidSchedule) {
		t.Fatalf("zero interval err = %v, want ErrInvalidSchedule", err)
	}
	end := t0.Add(-time.Hour)
	if err := c.Validate(jobs.Trigger{Kind: jobs.KindSimple, Interval: time.Minute, StartTime: t0, EndTime: &end}); !errors.Is(err, jobs.ErrInvalidSchedule) {
		t.Fatalf("end before start err = %v, want ErrInvalidSchedule", err)
	}
}

func TestCronRespectsStartAndEnd(t *testing.T) {
	t.Parallel()
	c := newCalc()
	start := t0.Add(2 * time.Hour)
	end := start.Add(10 * time.Minute)
	tr := jobs.Trigger{Kind: jobs.KindCron, Cron: "*/5 * * * *", StartTime: start, EndTime: &end}

	got, ok := c.Scheduled(tr)
	if !ok || !got.Equal(start) {
		t.Fatalf("Scheduled = %v (ok=%v), want %v", got, ok, start)
	}
	if _, ok := c.NextFireTime(tr, end); ok {
		t.Fatalf("NextFireTime after end time should be exhausted")
	}
}

func TestSimpleRepeatCountFiresInitialPlusRepeats(t *testing.T) {
	t.Parallel()
	c := newCalc()
	tr := jobs.Trigger{Kind: jobs.KindSimple, Interval: time.Minute, RepeatCount: 3, StartTime: t0}

	now := t0
	fires := 0
	for i := 0; i < 20; i++ {
		plan, ok := c.Plan(tr, now)
		if !ok {
			break
		}
		if !plan.Due(now) {
			now = plan.FireAt
			continue
		}
		want := t0.Add(time.Duration(fires) * time.Minute)
		if !plan.RecordAs.Equal(want) {
			t.Fatalf("fire %d recorded at %v, want %v", fires, plan.RecordAs, want)
		}
		fires++
		var more bool
		tr, more = c.Advance(tr, plan.RecordAs, plan.Skipped)
		if !more {
			break
		}
	}
	if fires != 4 {
		t.Fatalf("fires = %d, want 4", fires)
	}
	if _, ok := c.Plan(tr, now.Add(time.Hour)); ok {
		t.Fatalf("trigger should be exhausted after %d fires", fires)
	}
}

func TestSimpleForeverFollowsGrid(t *testing.T) {
	t.Parallel()
	c := newCalc()
	tr := jobs.Trigger{Kind: jobs.KindSimple, Interval: 90 * time.Second, RepeatCount: -1, StartTime: t0}
	for i := 0; i < 5; i++ {
		got, ok := c.Scheduled(tr)
		want := t0.Add(time.Duration(i) * 90 * time.Second)
		if !ok || !got.Equal(want) {
			t.Fatalf("slot %d = %v (ok=%v), want %v", i, got, ok, want)
		}
		tr, _ = c.Advance(tr, got, 0)
	}
}

func TestDoNothingSkipsMissedFires(t *testing.T) {
	t.Parallel()
	c := newCalc()
	prev := t0
	tr := jobs.Trigger{
		Kind: jobs.KindCron, Cron: "0 * * * * *", StartTime: t0.Add(-time.Hour),
		Misfire: jobs.MisfireDoNothing, TimesFired: 1, PrevFireTime: &prev,
	}

	// Down from 10:00:30 to 10:05:30: 10:01..10:05 were missed.
	fires := 0
	now := t0.Add(5*time.Minute + 30*time.Second)
	for ; now.Before(t0.Add(6 * time.Minute)); now = now.Add(time.Second) {
		plan, ok := c.Plan(tr, now)
		if !ok {
			t.Fatalf("plan exhausted at %v", now)
		}
		if plan.Due(now) {
			fires++
			tr, _ = c.Advance(tr, plan.RecordAs, plan.Skipped)
		}
	}
	if fires != 0 {
		t.Fatalf("fires for missed slots = %d, want 0", fires)
	}

	plan, ok := c.Plan(tr, now)
	if !ok || !plan.Due(now) {
		t.Fatalf("plan at %v = %+v (ok=%v), want due", now, plan, ok)
	}
	if want := t0.Add(6 * time.Minute); !plan.RecordAs.Equal(want) {
		t.Fatalf("resumed slot = %v, want %v", plan.RecordAs, want)
	}
}

func TestDoNothingUsesUpRepeatCountForSkippedSlots(t *testing.T) {
	t.Parallel()
	c := newCalc()
	base := jobs.Trigger{
		Kind: jobs.KindSimple, Interval: time.Minute, RepeatCount: 3, StartTime: t0,
		Misfire: jobs.MisfireDoNothing,
	}

	// Down for the whole run: every slot was skipped, nothing is left.
	if plan, ok := c.Plan(base, t0.Add(time.Hour)); ok {
		t.Fatalf("plan after outage = %+v, want exhausted", plan)
	}

	// Down for 10:00..10:02: only the 10:03 slot remains.
	tr := base.Clone()
	var fired []time.Time
	for now := t0.Add(2*time.Minute + 30*time.Second); now.Before(t0.Add(10 * time.Minute)); now = now.Add(time.Second) {
		plan, ok := c.Plan(tr, now)
		if !ok {
			break
		}
		if plan.Due(now) {
			fired = append(fired, plan.RecordAs)
			if plan.Skipped != 3 {
				t.Fatalf("Skipped = %d, want 3", plan.Skipped)
			}
			var more bool
			tr, more = c.Advance(tr, plan.RecordAs, plan.Skipped)
			if more {
				t.Fatalf("trigger has more fires after TimesFired = %d", tr.TimesFired)
			}
		}
	}
	if len(fired) != 1 || !fired[0].Equal(t0.Add(3*time.Minute)) {
		t.Fatalf("fired = %v, want only %v", fired, t0.Add(3*time.Minute))
	}
}

func TestFireAndProceedFiresOnceThenResumes(t *testing.T) {
	t.Parallel()
	c := newCalc()
	prev := t0
	tr := jobs.Trigger{
		Kind: jobs.KindCron, Cron: "0 * * * * *", StartTime: t0.Add(-time.Hour),
		Misfire: jobs.MisfireFireAndProceed, TimesFired: 1, PrevFireTime: &prev,
	}

	fires := 0
	now := t0.Add(5*time.Minute + 30*time.Second)
	for ; now.Before(t0.Add(6 * time.Minute)); now = now.Add(time.Second) {
		plan, ok := c.Plan(tr, now)
		if !ok {
			t.Fatalf("plan exhausted at %v", now)
		}
		if plan.Due(now) {
			if !plan.Misfired {
				t.Fatalf("fire at %v should be a misfire recovery", now)
			}
			fires++
			tr, _ = c.Advance(tr, plan.RecordAs, plan.Skipped)
		}
	}
	if fires != 1 {
		t.Fatalf("recovery fires = %d, want 1", fires)
	}
	plan, _ := c.Plan(tr, now)
	if want := t0.Add(6 * time.Minute); !plan.FireAt.Equal(want) || plan.Misfired {
		t.Fatalf("next plan = %+v, want on-time fire at %v", plan, want)
	}
}

func TestFireAndProceedSimpleKeepsGrid(t *testing.T) {
	t.Parallel()
	c := newCalc()
	tr := jobs.Trigger{Kind: jobs.KindSimple, Interval: time.Minute, RepeatCount: -1, StartTime: t0, Misfire: jobs.MisfireFireAndProceed}
	now := t0.Add(3*time.Minute + 20*time.Second)

	plan, ok := c.Plan(tr, now)
	if !ok || !plan.Due(now) || !plan.Misfired {
		t.Fatalf("plan = %+v (ok=%v), want due misfire", plan, ok)
	}
	if want := t0.Add(3 * time.Minute); !plan.RecordAs.Equal(want) {
		t.Fatalf("RecordAs = %v, want %v", plan.RecordAs, want)
	}
	tr, _ = c.Advance(tr, plan.RecordAs, plan.Skipped)
	next, _ := c.Scheduled(tr)
	if want := t0.Add(4 * time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestFireNowSimpleShiftsFromNow(t *testing.T) {
	t.Parallel()
	c := newCalc()
	tr := jobs.Trigger{Kind: jobs.KindSimple, Interval: time.Minute, RepeatCount: -1, StartTime: t0}
	now := t0.Add(3*time.Minute + 20*time.Second)

	plan, ok := c.Plan(tr, now)
	if !ok || plan.Action != ActionFireNow || !plan.RecordAs.Equal(now) {
		t.Fatalf("plan = %+v (ok=%v), want fire now recorded at %v", plan, ok, now)
	}
	tr, _ = c.Advance(tr, plan.RecordAs, plan.Skipped)
	next, _ := c.Scheduled(tr)
	if want := now.Add(time.Minute); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestMisfireNeverFiresPastEndTime(t *testing.T) {
	t.Parallel()
	c := newCalc()
	end := t0.Add(2 * time.Minute)
	tr := jobs.Trigger{Kind: jobs.KindSimple, Interval: time.Minute, RepeatCount: -1, StartTime: t0, EndTime: &end}
	if plan, ok := c.Plan(tr, t0.Add(10*time.Minute)); ok {
		t.Fatalf("plan = %+v, want exhausted", plan)
	}
}

func TestResolveMisfire(t *testing.T) {
	t.Parallel()
	sched := t0
	tests := []struct {
		name    string
		misfire jobs.Misfire
		kind    jobs.Kind
		now     time.Time
		want    Action
	}{
		{name: "on time", misfire: jobs.MisfireDoNothing, kind: jobs.KindCron, now: sched.Add(time.Second), want: ActionFireAtScheduled},
		{name: "at threshold", misfire: jobs.MisfireDoNothing, kind: jobs.KindCron, now: sched.Add(5 * time.Second), want: ActionFireAtScheduled},
		{name: "do nothing", misfire: jobs.MisfireDoNothing, kind: jobs.KindCron, now: sched.Add(time.Minute), want: ActionSkip},
		{name: "fire now", misfire: jobs.MisfireFireNow, kind: jobs.KindCron, now: sched.Add(time.Minute), want: ActionFireNow},
		{name: "cron default", kind: jobs.KindCron, now: sched.Add(time.Minute), want: ActionFireNow},
		{name: "simple default", kind: jobs.KindSimple, now: sched.Add(time.Minute), want: ActionFireNow},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			tr := jobs.Trigger{Kind: tt.kind, Misfire: tt.misfire}
			if got := ResolveMisfire(tr, sched, tt.now, 5*time.Second); got != tt.want {
				t.Fatalf("ResolveMisfire = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()
	c := newCalc()
	tr := jobs.Trigger{Kind: jobs.KindCron, Cron: "0 0 * * * *", StartTime: t0}
	got := c.Preview(tr, t0.Add(time.Minute), 3)
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i, g := range got {
		if want := t0.Add(time.Duration(i+1) * time.Hour); !g.Equal(want) {
			t.Fatalf("preview[%d] = %v, want %v", i, g, want)
		}
	}
}
