package deploy

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/vyvo/finetune/backend/pkg/registry"
	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

type fakeProvider struct {
	endpointCalls int
	deployCalls   int
	stateCalls    int
	failEndpoint  bool
	deployStates  []DeploymentState
	stateDetail   string
}

func (f *fakeProvider) CreateEndpoint(ctx context.Context, name string) (string, error) {
	f.endpointCalls++
	if f.failEndpoint {
		return "", errors.New("provisioning error")
	}
	return "https://" + name + ".inference.local/score", nil
}

func (f *fakeProvider) CreateDeployment(ctx context.Context, deployment Deployment) error {
	f.deployCalls++
	return nil
}

func (f *fakeProvider) DeploymentState(ctx context.Context, endpointName, deploymentName string) (DeploymentState, string, error) {
	idx := f.stateCalls
	if idx >= len(f.deployStates) {
		idx = len(f.deployStates) - 1
	}
	f.stateCalls++
	return f.deployStates[idx], f.stateDetail, nil
}

func (f *fakeProvider) remoteCalls() int {
	return f.endpointCalls + f.deployCalls + f.stateCalls
}

func testRegistry(t *testing.T, status trainer.JobStatus) *registry.Registry {
	t.Helper()
	store := registry.NewMemoryStore()
	_, err := store.Append(registry.ModelVersion{
		Name:         "samsum-llama-7b",
		JobID:        "ft-1",
		JobStatus:    status,
		ArtifactURI:  "outputs/ft-1/trained_model",
		Format:       registry.FormatMLflow,
		PromptFormat: template.FormatChat,
	})
	if err != nil {
		t.Fatalf("seed registry: %v", err)
	}
	return registry.New(store)
}

func newTestManager(t *testing.T, provider Provider, reg *registry.Registry) *Manager {
	t.Helper()
	store, err := NewStore("")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return NewManager(store, reg, provider, WaitPolicy{
		Interval: time.Millisecond,
		MaxWait:  time.Second,
	}, nil)
}

func TestEnsureEndpointIdempotent(t *testing.T) {
	provider := &fakeProvider{}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))

	first, err := manager.EnsureEndpoint(context.Background(), "summarizer")
	if err != nil {
		t.Fatalf("ensure endpoint: %v", err)
	}
	if first.State != EndpointHealthy || first.ScoringURL == "" {
		t.Fatalf("unexpected endpoint: %+v", first)
	}

	second, err := manager.EnsureEndpoint(context.Background(), "summarizer")
	if err != nil {
		t.Fatalf("second ensure must not error: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second ensure created a new endpoint")
	}
	if provider.endpointCalls != 1 {
		t.Fatalf("expected exactly one remote create, got %d", provider.endpointCalls)
	}
}

func TestEnsureEndpointFailedStateErrors(t *testing.T) {
	provider := &fakeProvider{failEndpoint: true}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))

	if _, err := manager.EnsureEndpoint(context.Background(), "summarizer"); err == nil {
		t.Fatalf("expected provisioning error")
	}

	provider.failEndpoint = false
	_, err := manager.EnsureEndpoint(context.Background(), "summarizer")
	if !errors.Is(err, ErrEndpointFailed) {
		t.Fatalf("expected ErrEndpointFailed for failed endpoint, got %v", err)
	}
}

func TestCreateDeploymentHappyPath(t *testing.T) {
	provider := &fakeProvider{deployStates: []DeploymentState{DeploymentCreating, DeploymentReady}}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))

	if _, err := manager.EnsureEndpoint(context.Background(), "summarizer"); err != nil {
		t.Fatalf("ensure endpoint: %v", err)
	}

	deployment, err := manager.CreateDeployment(context.Background(), CreateDeploymentInput{
		Name:          "blue",
		EndpointName:  "summarizer",
		ModelName:     "samsum-llama-7b",
		ModelVersion:  1,
		InstanceSKU:   "Standard_NC24ads_A100_v4",
		InstanceCount: 2,
		TrafficWeight: 100,
	})
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
	if deployment.State != DeploymentReady {
		t.Fatalf("expected READY, got %s", deployment.State)
	}
}

func TestCreateDeploymentRejectsFailedJobLocally(t *testing.T) {
	provider := &fakeProvider{deployStates: []DeploymentState{DeploymentReady}}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusFailed))

	_, err := manager.CreateDeployment(context.Background(), CreateDeploymentInput{
		Name:          "blue",
		EndpointName:  "summarizer",
		ModelName:     "samsum-llama-7b",
		ModelVersion:  1,
		InstanceSKU:   "Standard_NC24ads_A100_v4",
		InstanceCount: 1,
		TrafficWeight: 100,
	})
	if !errors.Is(err, ErrModelNotDeployable) {
		t.Fatalf("expected ErrModelNotDeployable, got %v", err)
	}
	if provider.remoteCalls() != 0 {
		t.Fatalf("invalid deployment must make zero remote calls, made %d", provider.remoteCalls())
	}
}

func TestCreateDeploymentRejectsUnknownModelLocally(t *testing.T) {
	provider := &fakeProvider{deployStates: []DeploymentState{DeploymentReady}}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))

	_, err := manager.CreateDeployment(context.Background(), CreateDeploymentInput{
		Name:          "blue",
		EndpointName:  "summarizer",
		ModelName:     "samsum-llama-7b",
		ModelVersion:  99,
		InstanceSKU:   "Standard_NC24ads_A100_v4",
		InstanceCount: 1,
		TrafficWeight: 100,
	})
	if !errors.Is(err, ErrModelNotDeployable) {
		t.Fatalf("expected ErrModelNotDeployable, got %v", err)
	}
	if provider.remoteCalls() != 0 {
		t.Fatalf("expected zero remote calls, made %d", provider.remoteCalls())
	}
}

func TestCreateDeploymentSurfacesRemoteFailure(t *testing.T) {
	provider := &fakeProvider{
		deployStates: []DeploymentState{DeploymentCreating, DeploymentFailed},
		stateDetail:  "image pull backoff",
	}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))

	if _, err := manager.EnsureEndpoint(context.Background(), "summarizer"); err != nil {
		t.Fatalf("ensure endpoint: %v", err)
	}
	_, err := manager.CreateDeployment(context.Background(), CreateDeploymentInput{
		Name:          "blue",
		EndpointName:  "summarizer",
		ModelName:     "samsum-llama-7b",
		ModelVersion:  1,
		InstanceSKU:   "Standard_NC24ads_A100_v4",
		InstanceCount: 1,
		TrafficWeight: 100,
	})
	if err == nil || !strings.Contains(err.Error(), "image pull backoff") {
		t.Fatalf("expected failure detail in error, got %v", err)
	}
	if got, ok := manager.store.GetDeployment("summarizer", "blue"); !ok || got.State != DeploymentFailed {
		t.Fatalf("deployment state not recorded: %+v", got)
	}
	if got, _ := manager.store.GetDeployment("summarizer", "blue"); got.LastError != "image pull backoff" {
		t.Fatalf("remote detail lost: %q", got.LastError)
	}
}

func TestCreateDeploymentTimesOut(t *testing.T) {
	provider := &fakeProvider{deployStates: []DeploymentState{DeploymentCreating}}
	manager := newTestManager(t, provider, testRegistry(t, trainer.StatusSucceeded))
	manager.policy = WaitPolicy{Interval: time.Millisecond, MaxWait: 5 * time.Millisecond}

	if _, err := manager.EnsureEndpoint(context.Background(), "summarizer"); err != nil {
		t.Fatalf("ensure endpoint: %v", err)
	}
	_, err := manager.CreateDeployment(context.Background(), CreateDeploymentInput{
		Name:          "blue",
		EndpointName:  "summarizer",
		ModelName:     "samsum-llama-7b",
		ModelVersion:  1,
		InstanceSKU:   "Standard_NC24ads_A100_v4",
		InstanceCount: 1,
		TrafficWeight: 100,
	})
	if !errors.Is(err, ErrDeployTimeout) {
		t.Fatalf("expected ErrDeployTimeout, got %v", err)
	}
}

func TestStorePersistsAcrossReload(t *testing.T) {
	path := t.TempDir() + "/deploy.json"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.PutEndpoint(&Endpoint{Name: "summarizer", State: EndpointHealthy, ScoringURL: "https://x/score"}); err != nil {
		t.Fatalf("put endpoint: %v", err)
	}
	store.AppendEvent("summarizer", "Endpoint online")

	reloaded, err := NewStore(path)
	if err != nil {
		t.Fatalf("reload store: %v", err)
	}
	endpoint, ok := reloaded.GetEndpoint("summarizer")
	if !ok || endpoint.State != EndpointHealthy {
		t.Fatalf("endpoint not persisted: %+v", endpoint)
	}
	if events := reloaded.Events("summarizer"); len(events) != 1 {
		t.Fatalf("events not persisted: %+v", events)
	}
}
