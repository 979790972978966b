package trainer

import (
	"context"
	"time"
)

// PollPolicy bounds status polling. The interval backs off from Initial to
// Max so long-running jobs do not hammer the status endpoint; MaxWait caps
// the total wall-clock time before ErrPollTimeout.
type PollPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxWait         time.Duration
}

// DefaultPollPolicy starts at a few seconds and caps at a minute, with an
// overall bound sized for multi-hour fine-tuning runs.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval: 5 * time.Second,
		MaxInterval:     time.Minute,
		MaxWait:         12 * time.Hour,
	}
}

// Poller watches a job until it reaches a terminal state.
type Poller struct {
	service Service
	policy  PollPolicy
	sleep   func(context.Context, time.Duration) error
	onPoll  func(Job)
}

// NewPoller builds a poller over any Service implementation.
func NewPoller(service Service, policy PollPolicy) *Poller {
	return &Poller{service: service, policy: policy, sleep: sleepCtx}
}

// OnPoll registers an observer invoked after every status fetch, for
// progress logging and metrics.
func (p *Poller) OnPoll(fn func(Job)) { p.onPoll = fn }

// Wait polls until the job is terminal, the policy's MaxWait elapses, or ctx
// is done. A SUCCEEDED job is returned as-is; FAILED and CANCELED come back
// as a JobFailedError carrying the service diagnostic verbatim. Cancelling
// ctx stops polling but leaves the remote job untouched.
func (p *Poller) Wait(ctx context.Context, jobID string) (Job, error) {
	deadline := time.Now().Add(p.policy.MaxWait)
	interval := p.policy.InitialInterval

	for {
		job, err := p.service.Status(ctx, jobID)
		if err != nil && !IsTransient(err) {
			return Job{}, err
		}
		if err == nil {
			if p.onPoll != nil {
				p.onPoll(job)
			}
			if job.Status.Terminal() {
				if job.Status == StatusSucceeded {
					return job, nil
				}
				return job, &JobFailedError{JobID: job.ID, Status: job.Status, Diagnostic: job.Diagnostics}
			}
		}

		if time.Now().Add(interval).After(deadline) {
			return Job{}, ErrPollTimeout
		}
		if err := p.sleep(ctx, interval); err != nil {
			return Job{}, err
		}
		interval *= 2
		if interval > p.policy.MaxInterval {
			interval = p.policy.MaxInterval
		}
	}
}
