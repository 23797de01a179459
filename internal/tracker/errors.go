package tracker

import "errors"

var (
	// ErrDuplicateJob is returned by Create when another job for the same
	// item is already pending or processing.
	ErrDuplicateJob = errors.New("tracker: duplicate active job for item")

	// ErrImportTimeout marks a job whose download session stayed stuck past
	// the import threshold.
	ErrImportTimeout = errors.New("tracker: import timed out")

	// ErrQueueDrift marks a job whose session vanished from the external
	// queue without any terminal signal.
	ErrQueueDrift = errors.New("tracker: download no longer in queue")
)

// FailureKind classifies a Start failure for the caller's display.
type FailureKind string

const (
	FailureNone        FailureKind = ""
	FailureNoReleases  FailureKind = "no_releases"
	FailureNotFound    FailureKind = "not_found"
	FailureUnavailable FailureKind = "service_unavailable"
	FailureInternal    FailureKind = "internal"
)
