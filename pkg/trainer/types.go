package trainer

import (
	"context"

	"github.com/vyvo/finetune/backend/pkg/template"
)

// JobStatus mirrors the states reported by the training service.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusRunning   JobStatus = "RUNNING"
	StatusSucceeded JobStatus = "SUCCEEDED"
	StatusFailed    JobStatus = "FAILED"
	StatusCanceled  JobStatus = "CANCELED"
)

// Terminal reports whether the status cannot change anymore.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// TrainingMetrics is the summary the service attaches to a finished run.
type TrainingMetrics struct {
	FinalLoss  float64 `json:"final_loss"`
	Perplexity float64 `json:"perplexity"`
}

// Job is the service-side view of a submitted training run. It is observed,
// never mutated, by this module.
type Job struct {
	ID            string           `json:"job_id"`
	Status        JobStatus        `json:"status"`
	QueuePosition *int             `json:"queue_position,omitempty"`
	ArtifactURI   string           `json:"artifact_uri,omitempty"`
	Diagnostics   string           `json:"diagnostics,omitempty"`
	Metrics       *TrainingMetrics `json:"metrics,omitempty"`
}

// SubmitRequest is the job-creation payload.
type SubmitRequest struct {
	Spec        template.JobSpec `json:"spec"`
	Fingerprint string           `json:"fingerprint"`
}

// SubmitResponse carries the identifier issued by the service.
type SubmitResponse struct {
	JobID string `json:"job_id"`
}

// Service is the training-service surface this module depends on. The HTTP
// Client talks to the real service; tests and local runs use the simulator.
type Service interface {
	Submit(ctx context.Context, spec template.JobSpec) (string, error)
	Status(ctx context.Context, jobID string) (Job, error)
	Cancel(ctx context.Context, jobID string) error
}
