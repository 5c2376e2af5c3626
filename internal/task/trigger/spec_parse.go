package trigger

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"cronhub/internal/jobs"
)

// ParsedSpec is a schedule string resolved into a trigger kind.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 30 9 * * ?", "0 0 12 1 1 ? 2030", "@hourly"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type ParsedSpec struct {
	Kind   jobs.Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string into a cron expression or an interval.
// Cron expressions are validated.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("%w: schedule required", jobs.ErrInvalidSchedule)
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parsedCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parsedInterval(strings.TrimSpace(s[len("interval:"):]))
	case strings.HasPrefix(low, "every:"):
		return parsedInterval(strings.TrimSpace(s[len("every:"):]))
	}

	// Whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parsedCron(s)
	}
	if ps, err := parsedInterval(s); err == nil {
		return ps, nil
	}
	return ParsedSpec{}, fmt.Errorf(
		"%w: %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		jobs.ErrInvalidSchedule, raw,
	)
}

func parsedCron(expr string) (ParsedSpec, error) {
	if _, err := ParseCron(expr); err != nil {
		return ParsedSpec{}, err
	}
	return ParsedSpec{Kind: jobs.KindCron, Cron: expr, Source: "cron"}, nil
}

func parsedInterval(v string) (ParsedSpec, error) {
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("%w: interval required", jobs.ErrInvalidSchedule)
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: jobs.KindSimple, Every: d, Source: "hhmm"}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("%w: invalid interval %q", jobs.ErrInvalidSchedule, v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("%w: interval must be > 0", jobs.ErrInvalidSchedule)
	}
	return ParsedSpec{Kind: jobs.KindSimple, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("%w: invalid HH:MM %q", jobs.ErrInvalidSchedule, v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("%w: invalid minutes in %q", jobs.ErrInvalidSchedule, v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", jobs.ErrInvalidSchedule)
	}
	return d, nil
}
