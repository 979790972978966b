package trainer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vyvo/finetune/backend/pkg/template"
)

func testSpec() template.JobSpec {
	return template.JobSpec{
		Family:        "llama",
		ModelName:     "Llama-2-7b-chat",
		ModelVersion:  13,
		Chat:          true,
		DatasetFormat: template.FormatChat,
		Dataset:       "datasets/samsum-chat",
		Entrypoint:    "finetune_hf_llm.py",
		Hyper: template.Hyperparameters{
			LearningRate:   2e-5,
			Epochs:         3,
			TrainBatchSize: 16,
		},
		Compute: template.Compute{
			Cluster:          "gpu-cluster-a100",
			InstanceSKU:      "Standard_ND96amsr_A100_v4",
			NodeCount:        2,
			ProcessesPerNode: 8,
		},
	}
}

// scriptedService walks a job through a fixed status sequence.
type scriptedService struct {
	statuses []Job
	calls    int
}

func (s *scriptedService) Submit(ctx context.Context, spec template.JobSpec) (string, error) {
	return "ft-scripted", nil
}

func (s *scriptedService) Status(ctx context.Context, jobID string) (Job, error) {
	idx := s.calls
	if idx >= len(s.statuses) {
		idx = len(s.statuses) - 1
	}
	s.calls++
	return s.statuses[idx], nil
}

func (s *scriptedService) Cancel(ctx context.Context, jobID string) error { return nil }

func fastPoll(maxWait time.Duration) PollPolicy {
	return PollPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     4 * time.Millisecond,
		MaxWait:         maxWait,
	}
}

func TestPollerWaitsForSuccess(t *testing.T) {
	svc := &scriptedService{statuses: []Job{
		{ID: "ft-1", Status: StatusQueued},
		{ID: "ft-1", Status: StatusRunning},
		{ID: "ft-1", Status: StatusSucceeded, ArtifactURI: "outputs/ft-1/trained_model"},
	}}
	poller := NewPoller(svc, fastPoll(time.Second))

	job, err := poller.Wait(context.Background(), "ft-1")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.ArtifactURI != "outputs/ft-1/trained_model" {
		t.Fatalf("artifact uri lost: %q", job.ArtifactURI)
	}
	if svc.calls < 3 {
		t.Fatalf("expected at least 3 polls, got %d", svc.calls)
	}
}

func TestPollerSurfacesFailureDiagnostics(t *testing.T) {
	svc := &scriptedService{statuses: []Job{
		{ID: "ft-2", Status: StatusRunning},
		{ID: "ft-2", Status: StatusFailed, Diagnostics: "loss diverged at step 1200"},
	}}
	poller := NewPoller(svc, fastPoll(time.Second))

	_, err := poller.Wait(context.Background(), "ft-2")
	var failed *JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if failed.Diagnostic != "loss diverged at step 1200" {
		t.Fatalf("diagnostic altered: %q", failed.Diagnostic)
	}
}

func TestPollerTimesOutInsteadOfHanging(t *testing.T) {
	svc := &scriptedService{statuses: []Job{{ID: "ft-3", Status: StatusRunning}}}
	poller := NewPoller(svc, fastPoll(10*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := poller.Wait(context.Background(), "ft-3")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrPollTimeout) {
			t.Fatalf("expected ErrPollTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("poller hung past its bound")
	}
}

func TestPollerIntervalBacksOff(t *testing.T) {
	svc := &scriptedService{statuses: []Job{
		{Status: StatusRunning},
		{Status: StatusRunning},
		{Status: StatusRunning},
		{Status: StatusSucceeded},
	}}
	poller := NewPoller(svc, PollPolicy{
		InitialInterval: time.Millisecond,
		MaxInterval:     3 * time.Millisecond,
		MaxWait:         time.Second,
	})

	var slept []time.Duration
	poller.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if _, err := poller.Wait(context.Background(), "ft-4"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	want := []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("sleep %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestPollerContextCancelStopsPollingOnly(t *testing.T) {
	svc := &scriptedService{statuses: []Job{{Status: StatusRunning}}}
	poller := NewPoller(svc, fastPoll(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := poller.Wait(ctx, "ft-5")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	// Only the local loop stops; nothing issued a remote cancel.
}
