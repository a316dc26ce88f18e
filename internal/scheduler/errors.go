package scheduler

import "errors"

var (
	// ErrBadConfig marks configuration problems. They surface at
	// construction, never at tick time.
	ErrBadConfig = errors.New("scheduler: invalid configuration")

	// ErrSubmission marks a failed buildset creation. The tick that hit it
	// persisted nothing, so the decision is retried on the next wakeup.
	ErrSubmission = errors.New("scheduler: buildset submission failed")
)
