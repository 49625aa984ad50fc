package engine

import "errors"

var (
	// ErrUnknownJob is returned when an operation names a job that is not
	// managed by the supervisor.
	ErrUnknownJob = errors.New("unknown job")
	// ErrInstanceClosed is returned by operations on a closed instance.
	ErrInstanceClosed = errors.New("instance closed")
	// ErrInvalidScale is returned for negative replica counts.
	ErrInvalidScale = errors.New("invalid replica count")
	// ErrNoStore is returned by Reload and Save when no store is configured.
	ErrNoStore = errors.New("no job store configured")
)
