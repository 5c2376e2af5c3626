package jobs

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrExpiredEndTime   = errors.New("end time has passed")
	ErrExecutionFailure = errors.New("execution failed")
	ErrStoreFailure     = errors.New("store failure")

	// ErrInFlight is returned when a mutation would remove state a worker still holds.
	ErrInFlight = errors.New("trigger fire in flight")

	// ErrRestartUnsupported is returned by Start after Stop on the same scheduler.
	ErrRestartUnsupported = errors.New("scheduler cannot be restarted after stop")
)
