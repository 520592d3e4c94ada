package scheduler

import "errors"

var (
	// ErrStoreUnavailable is returned when a scan cannot query the post store
	ErrStoreUnavailable = errors.New("post store unavailable")

	// ErrJobNotFound is returned when a trigger job is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrDuplicateJob is returned when a job name is registered twice
	ErrDuplicateJob = errors.New("duplicate job")

	// ErrJobBusy is returned when a job run is requested while it is still running
	ErrJobBusy = errors.New("job is still running")

	// ErrInvalidBackoff is returned for a backoff that is not positive and monotonic
	ErrInvalidBackoff = errors.New("invalid backoff configuration")

	// ErrPublishTimeout is recorded when a platform call exceeds its deadline
	ErrPublishTimeout = errors.New("timeout")
)
