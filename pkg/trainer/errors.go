package trainer

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the service reports an unknown job id.
var ErrNotFound = errors.New("job not found")

// ErrPollTimeout is returned when a job does not reach a terminal state
// within the poller's configured bound.
var ErrPollTimeout = errors.New("timed out waiting for job to reach a terminal state")

// RejectionError is a permanent refusal from the service (quota exceeded,
// invalid SKU, schema validation). It is never retried and the service
// diagnostic is preserved verbatim.
type RejectionError struct {
	StatusCode int
	Diagnostic string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("submission rejected (HTTP %d): %s", e.StatusCode, e.Diagnostic)
}

// TransientError wraps a network or service availability failure that is
// safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient service error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// JobFailedError reports a training run that reached FAILED or CANCELED,
// carrying the service's failure payload unmodified.
type JobFailedError struct {
	JobID      string
	Status     JobStatus
	Diagnostic string
}

func (e *JobFailedError) Error() string {
	if e.Diagnostic == "" {
		return fmt.Sprintf("job %s finished %s", e.JobID, e.Status)
	}
	return fmt.Sprintf("job %s finished %s: %s", e.JobID, e.Status, e.Diagnostic)
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}
