package trigger

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cronhub/internal/jobs"
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

const (
	minYear = 1970
	maxYear = 2199
)

// ParseCron parses a 5, 6 or 7 field cron expression.
//
// 5 fields are the Unix dialect: minutes first, day-of-week 0-6 with
// Sunday=0. 6 and 7 fields are the Quartz dialect: seconds first, day-of-week
// 1-7 with Sunday=1, and an optional 7th field restricting the year. Quartz's
// L, W and # day modifiers are rejected. Descriptors like "@daily" or
// "@every 5m" are accepted as-is.
func ParseCron(expr string) (cron.Schedule, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return nil, fmt.Errorf("%w: cron expression required", jobs.ErrInvalidSchedule)
	}
	if strings.HasPrefix(s, "@") {
		return parseRobfig(s)
	}

	fields := strings.Fields(s)
	switch len(fields) {
	case 5:
		return parseRobfig(strings.Join(fields, " "))
	case 6, 7:
		std, err := fromQuartz(fields[:6])
		if err != nil {
			return nil, err
		}
		sched, err := parseRobfig(std)
		if err != nil || len(fields) == 6 {
			return sched, err
		}
		years, err := parseYears(fields[6])
		if err != nil {
			return nil, fmt.Errorf("%w: year field: %v", jobs.ErrInvalidSchedule, err)
		}
		if years == nil {
			return sched, nil
		}
		return yearSchedule{inner: sched, years: years}, nil
	default:
		return nil, fmt.Errorf("%w: expected 5, 6 or 7 fields, got %d", jobs.ErrInvalidSchedule, len(fields))
	}
}

func parseRobfig(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", jobs.ErrInvalidSchedule, err)
	}
	return sched, nil
}

// fromQuartz rewrites the six leading Quartz fields for the robfig parser.
func fromQuartz(fields []string) (string, error) {
	out := append([]string(nil), fields...)
	for _, part := range strings.Split(out[3], ",") {
		u := strings.ToUpper(part)
		if strings.Contains(u, "L") || strings.Contains(u, "W") {
			return "", fmt.Errorf("%w: day-of-month %q: L and W are not supported", jobs.ErrInvalidSchedule, part)
		}
	}
	dow, err := quartzDow(out[5])
	if err != nil {
		return "", err
	}
	out[5] = dow
	return strings.Join(out, " "), nil
}

// quartzDow shifts numeric day-of-week values from 1-7 (Sunday=1) to 0-6.
// Names, "*" and "?" pass through.
func quartzDow(field string) (string, error) {
	parts := strings.Split(field, ",")
	for i, part := range parts {
		if strings.Contains(part, "#") || strings.HasSuffix(strings.ToUpper(part), "L") {
			return "", fmt.Errorf("%w: day-of-week %q: L and # are not supported", jobs.ErrInvalidSchedule, part)
		}
		rng, step, hasStep := strings.Cut(part, "/")
		lo, hi, isRange := strings.Cut(rng, "-")
		var err error
		if lo, err = shiftDow(lo); err != nil {
			return "", err
		}
		rng = lo
		if isRange {
			if hi, err = shiftDow(hi); err != nil {
				return "", err
			}
			rng += "-" + hi
		}
		if hasStep {
			rng += "/" + step
		}
		parts[i] = rng
	}
	return strings.Join(parts, ","), nil
}

func shiftDow(v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil {
		return v, nil
	}
	if n < 1 || n > 7 {
		return "", fmt.Errorf("%w: day-of-week %d out of range [1, 7]", jobs.ErrInvalidSchedule, n)
	}
	return strconv.Itoa(n - 1), nil
}

// yearSchedule narrows a schedule to an ascending set of years.
type yearSchedule struct {
	inner cron.Schedule
	years []int
}

func (y yearSchedule) Next(t time.Time) time.Time {
	for i := 0; i <= maxYear-minYear; i++ {
		n := y.inner.Next(t)
		if n.IsZero() {
			// robfig gives up after five years without a match; retry from the
			// next allowed year so sparse year lists still resolve.
			ny, ok := y.after(t.Year())
			if !ok {
				return time.Time{}
			}
			t = time.Date(ny, time.January, 1, 0, 0, 0, 0, t.Location()).Add(-time.Nanosecond)
			continue
		}
		if y.allows(n.Year()) {
			return n
		}
		ny, ok := y.after(n.Year())
		if !ok {
			return time.Time{}
		}
		t = time.Date(ny, time.January, 1, 0, 0, 0, 0, n.Location()).Add(-time.Nanosecond)
	}
	return time.Time{}
}

func (y yearSchedule) allows(year int) bool {
	i := sort.SearchInts(y.years, year)
	return i < len(y.years) && y.years[i] == year
}

// after returns the smallest allowed year strictly greater than year.
func (y yearSchedule) after(year int) (int, bool) {
	i := sort.SearchInts(y.years, year+1)
	if i >= len(y.years) {
		return 0, false
	}
	return y.years[i], true
}

// parseYears returns nil for "*" or "?" (any year).
func parseYears(field string) ([]int, error) {
	field = strings.TrimSpace(field)
	if field == "*" || field == "?" {
		return nil, nil
	}
	set := map[int]struct{}{}
	for _, part := range strings.Split(field, ",") {
		lo, hi, step, err := parseYearRange(part)
		if err != nil {
			return nil, err
		}
		for y := lo; y <= hi; y += step {
			set[y] = struct{}{}
		}
	}
	out := make([]int, 0, len(set))
	for y := range set {
		out = append(out, y)
	}
	sort.Ints(out)
	return out, nil
}

func parseYearRange(part string) (lo, hi, step int, err error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return 0, 0, 0, fmt.Errorf("empty year")
	}
	step = 1
	if i := strings.Index(part, "/"); i >= 0 {
		step, err = strconv.Atoi(part[i+1:])
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid step in %q", part)
		}
		part = part[:i]
	}
	switch {
	case part == "*":
		lo, hi = minYear, maxYear
	case strings.Contains(part, "-"):
		a, b, _ := strings.Cut(part, "-")
		if lo, err = parseYear(a); err != nil {
			return 0, 0, 0, err
		}
		if hi, err = parseYear(b); err != nil {
			return 0, 0, 0, err
		}
		if hi < lo {
			return 0, 0, 0, fmt.Errorf("descending range %q", part)
		}
	default:
		if lo, err = parseYear(part); err != nil {
			return 0, 0, 0, err
		}
		hi = lo
		if step > 1 {
			hi = maxYear
		}
	}
	return lo, hi, step, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid year %q", s)
	}
	if y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %d out of range [%d, %d]", y, minYear, maxYear)
	}
	return y, nil
}
