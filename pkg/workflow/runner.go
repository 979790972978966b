// Package workflow drives the fine-tuning pipeline end to end: resolve
// parameters, submit the job, poll to completion, register the artifact and
// optionally roll it out to an endpoint. Each stage's output feeds the
// next; a failure stops the pipeline at that stage.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vyvo/finetune/backend/pkg/artifact"
	"github.com/vyvo/finetune/backend/pkg/deploy"
	"github.com/vyvo/finetune/backend/pkg/metrics"
	"github.com/vyvo/finetune/backend/pkg/registry"
	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

// ErrDuplicateSubmission is returned when an identical descriptor is
// already in flight and Force was not set.
var ErrDuplicateSubmission = errors.New("identical job descriptor already in flight")

// Logger is the minimal logging surface the runner needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runner wires the pipeline stages together.
type Runner struct {
	service     trainer.Service
	pollPolicy  trainer.PollPolicy
	models      *registry.Registry
	deployments *deploy.Manager
	fetcher     artifact.Fetcher
	lease       Lease
	leaseTTL    time.Duration
	logger      Logger
	metrics     *metrics.Metrics
}

// Config bundles the runner's collaborators. Fetcher, Metrics and Logger
// are optional.
type Config struct {
	Service     trainer.Service
	PollPolicy  trainer.PollPolicy
	Models      *registry.Registry
	Deployments *deploy.Manager
	Fetcher     artifact.Fetcher
	Lease       Lease
	LeaseTTL    time.Duration
	Logger      Logger
	Metrics     *metrics.Metrics
}

// NewRunner builds a pipeline runner.
func NewRunner(cfg Config) *Runner {
	lease := cfg.Lease
	if lease == nil {
		lease = NewMemoryLease()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Runner{
		service:     cfg.Service,
		pollPolicy:  cfg.PollPolicy,
		models:      cfg.Models,
		deployments: cfg.Deployments,
		fetcher:     cfg.Fetcher,
		lease:       lease,
		leaseTTL:    ttl,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
	}
}

// RunInput describes one pipeline invocation.
type RunInput struct {
	Base      template.Template
	Overrides map[string]any
	// ModelName is the registry name the trained artifact is registered
	// under.
	ModelName string
	// Force permits submitting a descriptor identical to one in flight.
	Force bool

	// Deployment is optional; when nil the pipeline stops after
	// registration.
	Deployment *DeployTarget
}

// DeployTarget names where the registered model is rolled out.
type DeployTarget struct {
	EndpointName   string `json:"endpoint_name"`
	DeploymentName string `json:"deployment_name"`
	InstanceSKU    string `json:"instance_sku"`
	InstanceCount  int    `json:"instance_count"`
	TrafficWeight  int    `json:"traffic_weight"`
}

// RunResult collects each stage's output.
type RunResult struct {
	Spec       template.JobSpec
	JobID      string
	Job        trainer.Job
	Version    registry.ModelVersion
	Endpoint   *deploy.Endpoint
	Deployment *deploy.Deployment
}

// Run executes the pipeline. Configuration errors surface before any
// remote call; remote failures surface with the stage that produced them.
func (r *Runner) Run(ctx context.Context, input RunInput) (RunResult, error) {
	if strings.TrimSpace(input.ModelName) == "" {
		return RunResult{}, fmt.Errorf("target model name is required")
	}

	spec, err := template.Resolve(input.Base, input.Overrides)
	if err != nil {
		return RunResult{}, err
	}
	result := RunResult{Spec: spec}

	fingerprint := spec.Fingerprint()
	if !input.Force {
		acquired, err := r.lease.Acquire(ctx, fingerprint, r.leaseTTL)
		if err != nil {
			return result, fmt.Errorf("acquire submission lease: %w", err)
		}
		if !acquired {
			return result, fmt.Errorf("descriptor %s: %w", fingerprint[:12], ErrDuplicateSubmission)
		}
		defer func() {
			if releaseErr := r.lease.Release(context.WithoutCancel(ctx), fingerprint); releaseErr != nil && r.logger != nil {
				r.logger.Error("release submission lease", "error", releaseErr)
			}
		}()
	}

	jobID, err := r.service.Submit(ctx, spec)
	if err != nil {
		r.countSubmission("error")
		return result, err
	}
	r.countSubmission("ok")
	result.JobID = jobID
	r.info("job submitted", "job", jobID, "model", spec.ModelName, "fingerprint", fingerprint[:12])

	poller := trainer.NewPoller(r.service, r.pollPolicy)
	poller.OnPoll(func(job trainer.Job) {
		if r.metrics != nil {
			r.metrics.PollsTotal.Inc()
		}
	})
	job, err := poller.Wait(ctx, jobID)
	if err != nil {
		var failed *trainer.JobFailedError
		if errors.As(err, &failed) && r.metrics != nil {
			r.metrics.JobsFinishedTotal.WithLabelValues(string(failed.Status)).Inc()
		}
		return result, err
	}
	result.Job = job
	if r.metrics != nil {
		r.metrics.JobsFinishedTotal.WithLabelValues(string(job.Status)).Inc()
	}
	r.info("job succeeded", "job", jobID, "artifact", job.ArtifactURI)

	checksum := ""
	if r.fetcher != nil {
		checksum, err = r.fetcher.Checksum(ctx, job.ArtifactURI)
		if err != nil {
			return result, fmt.Errorf("checksum artifact: %w", err)
		}
	}

	version, err := r.models.Register(registry.RegisterInput{
		Name:         input.ModelName,
		Job:          job,
		Checksum:     checksum,
		PromptFormat: spec.PromptFormat(),
	})
	if err != nil {
		return result, err
	}
	result.Version = version
	if r.metrics != nil {
		r.metrics.RegistrationsTotal.Inc()
	}
	r.info("model registered", "name", version.Name, "version", version.Version)

	if input.Deployment == nil {
		return result, nil
	}

	endpoint, err := r.deployments.EnsureEndpoint(ctx, input.Deployment.EndpointName)
	if err != nil {
		return result, err
	}
	result.Endpoint = &endpoint

	deployment, err := r.deployments.CreateDeployment(ctx, deploy.CreateDeploymentInput{
		Name:          input.Deployment.DeploymentName,
		EndpointName:  input.Deployment.EndpointName,
		ModelName:     version.Name,
		ModelVersion:  version.Version,
		InstanceSKU:   input.Deployment.InstanceSKU,
		InstanceCount: input.Deployment.InstanceCount,
		TrafficWeight: input.Deployment.TrafficWeight,
	})
	if r.metrics != nil && (err == nil || deployment.State.Terminal()) {
		r.metrics.DeploymentsTotal.WithLabelValues(string(deployment.State)).Inc()
	}
	if err != nil {
		return result, err
	}
	result.Deployment = &deployment
	r.info("deployment ready", "endpoint", endpoint.Name, "deployment", deployment.Name)

	return result, nil
}

func (r *Runner) countSubmission(outcome string) {
	if r.metrics != nil {
		r.metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	}
}

func (r *Runner) info(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}
