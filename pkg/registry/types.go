package registry

import (
	"errors"
	"time"

	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

// Artifact format tags recorded on registered versions.
const (
	FormatMLflow      = "mlflow"
	FormatSafetensors = "safetensors"
)

var (
	// ErrNotFound is returned for unknown model names or versions.
	ErrNotFound = errors.New("model version not found")
	// ErrJobNotSucceeded rejects registration of artifacts whose source job
	// did not finish successfully.
	ErrJobNotSucceeded = errors.New("source job has not succeeded")
)

// ModelVersion is a named, versioned pointer to a trained artifact.
// Versions are monotonically increasing integers per name and are never
// deleted, only appended.
type ModelVersion struct {
	Name             string                `json:"name"`
	Version          int                   `json:"version"`
	JobID            string                `json:"job_id"`
	JobStatus        trainer.JobStatus     `json:"job_status"`
	ArtifactURI      string                `json:"artifact_uri"`
	Checksum         string                `json:"checksum,omitempty"`
	Format           string                `json:"format"`
	PromptFormat     template.PromptFormat `json:"prompt_format"`
	FrameworkVersion string                `json:"framework_version,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
}

// RegisterInput bundles everything needed to register a completed job's
// artifact under a model name.
type RegisterInput struct {
	Name             string                `json:"name"`
	Job              trainer.Job           `json:"job"`
	Checksum         string                `json:"checksum,omitempty"`
	Format           string                `json:"format,omitempty"`
	PromptFormat     template.PromptFormat `json:"prompt_format"`
	FrameworkVersion string                `json:"framework_version,omitempty"`
}

// Store defines persistence for registered model versions.
type Store interface {
	EnsureSchema() error
	// Append records a new version for name, assigning the next integer
	// version atomically.
	Append(version ModelVersion) (ModelVersion, error)
	// FindByJob returns the version previously registered for a job id, if any.
	FindByJob(name, jobID string) (ModelVersion, bool, error)
	// FindByChecksum returns the version holding an identical artifact, if any.
	FindByChecksum(name, checksum string) (ModelVersion, bool, error)
	Get(name string, version int) (ModelVersion, error)
	Latest(name string) (ModelVersion, error)
	List(name string) ([]ModelVersion, error)
}
