package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cronhub/internal/jobs"
)

// Executor runs one job type. Params are the job's stored string map.
type Executor interface {
	Execute(ctx context.Context, params map[string]string) error
	Validate(params map[string]string) error
}

// Closer is implemented by executors that hold connections.
type Closer interface {
	Close(ctx context.Context) error
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth firing again until an operator clears it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", jobs.ErrInvalidSchedule, fmt.Sprintf(format, args...))
}

func required(params map[string]string, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if strings.TrimSpace(params[k]) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return invalid("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// splitList splits a comma or semicolon separated list, dropping blanks.
func splitList(s string) []string {
	f := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	out := f[:0]
	for _, v := range f {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
