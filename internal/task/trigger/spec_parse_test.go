package trigger

import (
	"errors"
	"testing"
	"time"

	"cronhub/internal/jobs"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   jobs.Kind
		source string
		every  time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: jobs.KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: jobs.KindCron, source: "cron"},
		{name: "descriptor", raw: "@hourly", kind: jobs.KindCron, source: "cron"},
		{name: "duration", raw: "10m", kind: jobs.KindSimple, source: "duration", every: 10 * time.Minute},
		{name: "prefixed interval", raw: "every:45s", kind: jobs.KindSimple, source: "duration", every: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: jobs.KindSimple, source: "hhmm", every: 90 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == jobs.KindSimple && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "0s", "-5m", "00:00", "01:75", "interval:", "61 * * * *"} {
		if _, err := ParseSchedule(raw); !errors.Is(err, jobs.ErrInvalidSchedule) {
			t.Errorf("ParseSchedule(%q) err = %v, want ErrInvalidSchedule", raw, err)
		}
	}
}
