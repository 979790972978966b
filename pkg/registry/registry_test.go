package registry

import (
	"errors"
	"testing"

	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

func succeededJob(id, artifact string) trainer.Job {
	return trainer.Job{ID: id, Status: trainer.StatusSucceeded, ArtifactURI: artifact}
}

func TestRegisterAssignsMonotonicVersions(t *testing.T) {
	reg := New(NewMemoryStore())

	v1, err := reg.Register(RegisterInput{
		Name:         "samsum-llama-7b",
		Job:          succeededJob("ft-1", "outputs/ft-1/trained_model"),
		PromptFormat: template.FormatChat,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if v1.Version != 1 {
		t.Fatalf("first version should be 1, got %d", v1.Version)
	}

	v2, err := reg.Register(RegisterInput{
		Name:         "samsum-llama-7b",
		Job:          succeededJob("ft-2", "outputs/ft-2/trained_model"),
		PromptFormat: template.FormatChat,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if v2.Version != 2 {
		t.Fatalf("second version should be 2, got %d", v2.Version)
	}

	latest, err := reg.Latest("samsum-llama-7b")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Version != 2 || latest.JobID != "ft-2" {
		t.Fatalf("unexpected latest: %+v", latest)
	}
}

func TestRegisterIdempotentPerJob(t *testing.T) {
	reg := New(NewMemoryStore())
	input := RegisterInput{
		Name:         "samsum-llama-7b",
		Job:          succeededJob("ft-1", "outputs/ft-1/trained_model"),
		PromptFormat: template.FormatChat,
	}

	first, err := reg.Register(input)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	second, err := reg.Register(input)
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if second.Version != first.Version {
		t.Fatalf("re-registration minted a new version: %d vs %d", second.Version, first.Version)
	}

	versions, err := reg.List("samsum-llama-7b")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected exactly one version, got %d", len(versions))
	}
}

func TestRegisterDeduplicatesByChecksum(t *testing.T) {
	reg := New(NewMemoryStore())

	first, err := reg.Register(RegisterInput{
		Name:     "wikitext-mistral",
		Job:      succeededJob("ft-1", "outputs/ft-1/trained_model"),
		Checksum: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	// A retried pipeline can resubmit under a fresh job id but identical
	// weights; the checksum collapses it onto the original version.
	dup, err := reg.Register(RegisterInput{
		Name:     "wikitext-mistral",
		Job:      succeededJob("ft-1-retry", "outputs/ft-1-retry/trained_model"),
		Checksum: "sha256:abc",
	})
	if err != nil {
		t.Fatalf("register duplicate artifact: %v", err)
	}
	if dup.Version != first.Version {
		t.Fatalf("identical artifact produced a new version")
	}
}

func TestRegisterRejectsNonSucceededJob(t *testing.T) {
	reg := New(NewMemoryStore())
	_, err := reg.Register(RegisterInput{
		Name: "samsum-llama-7b",
		Job:  trainer.Job{ID: "ft-1", Status: trainer.StatusFailed, ArtifactURI: "outputs/ft-1"},
	})
	if !errors.Is(err, ErrJobNotSucceeded) {
		t.Fatalf("expected ErrJobNotSucceeded, got %v", err)
	}
}

func TestRegisterRequiresArtifact(t *testing.T) {
	reg := New(NewMemoryStore())
	_, err := reg.Register(RegisterInput{
		Name: "samsum-llama-7b",
		Job:  trainer.Job{ID: "ft-1", Status: trainer.StatusSucceeded},
	})
	if err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}

func TestGetUnknownVersion(t *testing.T) {
	reg := New(NewMemoryStore())
	if _, err := reg.Get("nope", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := reg.Latest("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
