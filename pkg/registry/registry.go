// Package registry keeps named, versioned pointers to trained model
// artifacts. Registration is append-only and idempotent per source job.
package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/finetune/backend/pkg/trainer"
)

// Registry wraps a Store with the registration rules: only artifacts from
// succeeded jobs are admitted, and re-registering the same job (or an
// artifact with the same checksum) returns the existing version instead of
// minting a duplicate.
type Registry struct {
	store Store
}

// New builds a registry over any Store implementation.
func New(store Store) *Registry {
	return &Registry{store: store}
}

// Register records a completed job's artifact under input.Name and returns
// the assigned version. Calling it again for the same job id is a no-op
// returning the original version.
func (r *Registry) Register(input RegisterInput) (ModelVersion, error) {
	if strings.TrimSpace(input.Name) == "" {
		return ModelVersion{}, fmt.Errorf("model name is required")
	}
	if strings.TrimSpace(input.Job.ID) == "" {
		return ModelVersion{}, fmt.Errorf("job id is required")
	}
	if input.Job.Status != trainer.StatusSucceeded {
		return ModelVersion{}, fmt.Errorf("register %s from job %s (%s): %w",
			input.Name, input.Job.ID, input.Job.Status, ErrJobNotSucceeded)
	}
	if strings.TrimSpace(input.Job.ArtifactURI) == "" {
		return ModelVersion{}, fmt.Errorf("job %s reported no artifact", input.Job.ID)
	}

	if existing, ok, err := r.store.FindByJob(input.Name, input.Job.ID); err != nil {
		return ModelVersion{}, err
	} else if ok {
		return existing, nil
	}
	if input.Checksum != "" {
		if existing, ok, err := r.store.FindByChecksum(input.Name, input.Checksum); err != nil {
			return ModelVersion{}, err
		} else if ok {
			return existing, nil
		}
	}

	format := input.Format
	if format == "" {
		format = FormatMLflow
	}

	return r.store.Append(ModelVersion{
		Name:             input.Name,
		JobID:            input.Job.ID,
		JobStatus:        input.Job.Status,
		ArtifactURI:      input.Job.ArtifactURI,
		Checksum:         input.Checksum,
		Format:           format,
		PromptFormat:     input.PromptFormat,
		FrameworkVersion: input.FrameworkVersion,
		CreatedAt:        time.Now().UTC(),
	})
}

// Get fetches one registered version.
func (r *Registry) Get(name string, version int) (ModelVersion, error) {
	return r.store.Get(name, version)
}

// Latest fetches the highest registered version of a model.
func (r *Registry) Latest(name string) (ModelVersion, error) {
	return r.store.Latest(name)
}

// List returns all versions of a model in ascending version order.
func (r *Registry) List(name string) ([]ModelVersion, error) {
	return r.store.List(name)
}
