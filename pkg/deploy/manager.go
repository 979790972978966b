// Package deploy manages serving endpoints and model deployments on the
// managed inference service. Validation happens locally before any remote
// call; a deployment referencing a missing model or a failed training job
// never leaves this process.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/finetune/backend/pkg/registry"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

var (
	// ErrEndpointFailed is returned when an endpoint exists in a failed
	// state; re-creating it under the same name is refused.
	ErrEndpointFailed = errors.New("endpoint exists in a failed state")
	// ErrModelNotDeployable rejects deployments whose model version is
	// missing or was produced by a job that did not succeed.
	ErrModelNotDeployable = errors.New("model version is not deployable")
	// ErrDeployTimeout is returned when a deployment does not reach a
	// terminal state within the wait bound.
	ErrDeployTimeout = errors.New("timed out waiting for deployment to become ready")
)

// Provider is the remote endpoint/deployment interface of the managed
// service. The HTTP client talks to the real service; tests use fakes.
type Provider interface {
	CreateEndpoint(ctx context.Context, name string) (scoringURL string, err error)
	CreateDeployment(ctx context.Context, deployment Deployment) error
	DeploymentState(ctx context.Context, endpointName, deploymentName string) (DeploymentState, string, error)
}

// WaitPolicy bounds deployment readiness polling.
type WaitPolicy struct {
	Interval time.Duration
	MaxWait  time.Duration
}

// DefaultWaitPolicy sizes the bound for managed-service rollouts, which
// take minutes rather than hours.
func DefaultWaitPolicy() WaitPolicy {
	return WaitPolicy{Interval: 10 * time.Second, MaxWait: 30 * time.Minute}
}

// Logger is the minimal logging surface the manager needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Manager owns the endpoint/deployment lifecycle.
type Manager struct {
	store    Repository
	models   *registry.Registry
	provider Provider
	policy   WaitPolicy
	logger   Logger
	sleep    func(context.Context, time.Duration) error
}

// NewManager wires the manager to its store, the model registry and the
// remote provider.
func NewManager(store Repository, models *registry.Registry, provider Provider, policy WaitPolicy, logger Logger) *Manager {
	return &Manager{
		store:    store,
		models:   models,
		provider: provider,
		policy:   policy,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// EnsureEndpoint creates the named endpoint if it does not exist. A second
// call with the same name is a no-op returning the existing endpoint; an
// endpoint stuck in FAILED is surfaced as an error rather than silently
// reused.
func (m *Manager) EnsureEndpoint(ctx context.Context, name string) (Endpoint, error) {
	if strings.TrimSpace(name) == "" {
		return Endpoint{}, fmt.Errorf("endpoint name is required")
	}

	if existing, ok := m.store.GetEndpoint(name); ok {
		switch existing.State {
		case EndpointFailed:
			return Endpoint{}, fmt.Errorf("endpoint %s: %w: %s", name, ErrEndpointFailed, existing.LastError)
		default:
			return *existing, nil
		}
	}

	endpoint := &Endpoint{Name: name, State: EndpointCreating}
	if err := m.store.PutEndpoint(endpoint); err != nil {
		return Endpoint{}, err
	}
	m.store.AppendEvent(name, "Endpoint create requested")

	scoringURL, err := m.provider.CreateEndpoint(ctx, name)
	if err != nil {
		m.fail(name, err)
		return Endpoint{}, fmt.Errorf("create endpoint %s: %w", name, err)
	}

	updated, err := m.store.UpdateEndpoint(name, func(e *Endpoint) error {
		e.State = EndpointHealthy
		e.ScoringURL = scoringURL
		e.LastError = ""
		return nil
	})
	if err != nil {
		return Endpoint{}, err
	}
	m.store.AppendEvent(name, "Endpoint online")
	return *updated, nil
}

// CreateDeployment validates the request against local state, submits it to
// the provider and waits until the rollout reaches READY or FAILED.
func (m *Manager) CreateDeployment(ctx context.Context, input CreateDeploymentInput) (Deployment, error) {
	if err := m.validate(input); err != nil {
		return Deployment{}, err
	}

	endpoint, ok := m.store.GetEndpoint(input.EndpointName)
	if !ok {
		return Deployment{}, fmt.Errorf("endpoint %s not found", input.EndpointName)
	}
	if endpoint.State != EndpointHealthy {
		return Deployment{}, fmt.Errorf("endpoint %s is %s, not healthy", endpoint.Name, endpoint.State)
	}

	deployment := &Deployment{
		Name:          input.Name,
		EndpointName:  input.EndpointName,
		ModelName:     input.ModelName,
		ModelVersion:  input.ModelVersion,
		InstanceSKU:   input.InstanceSKU,
		InstanceCount: input.InstanceCount,
		TrafficWeight: input.TrafficWeight,
		State:         DeploymentPending,
	}
	if err := m.store.PutDeployment(deployment); err != nil {
		return Deployment{}, err
	}
	m.store.AppendEvent(input.EndpointName, fmt.Sprintf("Deploying %s:%d as %s", input.ModelName, input.ModelVersion, input.Name))

	if err := m.provider.CreateDeployment(ctx, *deployment); err != nil {
		m.failDeployment(input.EndpointName, input.Name, err)
		return Deployment{}, fmt.Errorf("create deployment %s: %w", input.Name, err)
	}
	if _, err := m.store.UpdateDeployment(input.EndpointName, input.Name, func(d *Deployment) error {
		d.State = DeploymentCreating
		return nil
	}); err != nil {
		return Deployment{}, err
	}

	return m.waitReady(ctx, input.EndpointName, input.Name)
}

func (m *Manager) validate(input CreateDeploymentInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return fmt.Errorf("deployment name is required")
	}
	if input.InstanceCount <= 0 {
		return fmt.Errorf("instance count must be positive, got %d", input.InstanceCount)
	}
	if input.TrafficWeight < 0 || input.TrafficWeight > 100 {
		return fmt.Errorf("traffic weight must be within [0,100], got %d", input.TrafficWeight)
	}

	version, err := m.models.Get(input.ModelName, input.ModelVersion)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fmt.Errorf("%s:%d: %w: not registered", input.ModelName, input.ModelVersion, ErrModelNotDeployable)
		}
		return err
	}
	if version.JobStatus != trainer.StatusSucceeded {
		return fmt.Errorf("%s:%d from job %s (%s): %w", input.ModelName, input.ModelVersion,
			version.JobID, version.JobStatus, ErrModelNotDeployable)
	}
	return nil
}

func (m *Manager) waitReady(ctx context.Context, endpointName, name string) (Deployment, error) {
	deadline := time.Now().Add(m.policy.MaxWait)
	for {
		state, detail, err := m.provider.DeploymentState(ctx, endpointName, name)
		if err != nil && !trainer.IsTransient(err) {
			return Deployment{}, err
		}
		if err == nil && state.Terminal() {
			updated, storeErr := m.store.UpdateDeployment(endpointName, name, func(d *Deployment) error {
				d.State = state
				d.LastError = detail
				return nil
			})
			if storeErr != nil {
				return Deployment{}, storeErr
			}
			if state == DeploymentFailed {
				m.store.AppendEvent(endpointName, fmt.Sprintf("Deployment %s failed: %s", name, detail))
				return *updated, fmt.Errorf("deployment %s failed: %s", name, detail)
			}
			m.store.AppendEvent(endpointName, fmt.Sprintf("Deployment %s ready", name))
			return *updated, nil
		}

		if time.Now().Add(m.policy.Interval).After(deadline) {
			return Deployment{}, ErrDeployTimeout
		}
		if err := m.sleep(ctx, m.policy.Interval); err != nil {
			return Deployment{}, err
		}
	}
}

func (m *Manager) fail(endpointName string, err error) {
	if m.logger != nil {
		m.logger.Error("endpoint create failed", "endpoint", endpointName, "error", err)
	}
	_, updateErr := m.store.UpdateEndpoint(endpointName, func(e *Endpoint) error {
		e.State = EndpointFailed
		e.LastError = err.Error()
		return nil
	})
	if updateErr != nil && m.logger != nil {
		m.logger.Error("record endpoint failure", "error", updateErr)
	}
}

func (m *Manager) failDeployment(endpointName, name string, err error) {
	if m.logger != nil {
		m.logger.Error("deployment create failed", "endpoint", endpointName, "deployment", name, "error", err)
	}
	_, updateErr := m.store.UpdateDeployment(endpointName, name, func(d *Deployment) error {
		d.State = DeploymentFailed
		d.LastError = err.Error()
		return nil
	})
	if updateErr != nil && m.logger != nil {
		m.logger.Error("record deployment failure", "error", updateErr)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
