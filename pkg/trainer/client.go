package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vyvo/finetune/backend/pkg/template"
)

// RetryPolicy bounds submission retries. Only transient failures are
// retried; rejections surface immediately.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryPolicy retries a handful of times with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
}

// Client talks to the training service's job interface over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	sleep      func(context.Context, time.Duration) error
}

// Option customises client construction.
type Option func(*Client)

// WithRetryPolicy overrides the default submission retry behaviour.
func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Client) { c.retry = policy }
}

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

// NewClient creates a training-service client with sane defaults.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: DefaultRetryPolicy(),
		sleep: sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Service = (*Client)(nil)

// Submit creates a training job and returns its identifier. Transient
// failures are retried with exponential backoff up to the policy bound;
// service rejections are returned as-is without retrying.
func (c *Client) Submit(ctx context.Context, spec template.JobSpec) (string, error) {
	body, err := json.Marshal(SubmitRequest{Spec: spec, Fingerprint: spec.Fingerprint()})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	backoff := c.retry.InitialBackoff
	attempts := c.retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoff); err != nil {
				return "", err
			}
			backoff *= 2
			if backoff > c.retry.MaxBackoff {
				backoff = c.retry.MaxBackoff
			}
		}

		jobID, err := c.submitOnce(ctx, body)
		if err == nil {
			return jobID, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("submit retries exhausted after %d attempts: %w", attempts, lastErr)
}

func (c *Client) submitOnce(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var out SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode submit response: %w", err)
		}
		if out.JobID == "" {
			return "", fmt.Errorf("service returned empty job id")
		}
		return out.JobID, nil
	case resp.StatusCode >= 500:
		return "", &TransientError{Err: fmt.Errorf("service returned HTTP %d: %s", resp.StatusCode, readDiagnostic(resp.Body))}
	default:
		return "", &RejectionError{StatusCode: resp.StatusCode, Diagnostic: readDiagnostic(resp.Body)}
	}
}

// Status fetches the current state of a job.
func (c *Client) Status(ctx context.Context, jobID string) (Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return Job{}, fmt.Errorf("create status request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Job{}, ctx.Err()
		}
		return Job{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var job Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return Job{}, fmt.Errorf("decode job: %w", err)
		}
		return job, nil
	case http.StatusNotFound:
		return Job{}, ErrNotFound
	default:
		if resp.StatusCode >= 500 {
			return Job{}, &TransientError{Err: fmt.Errorf("status returned HTTP %d: %s", resp.StatusCode, readDiagnostic(resp.Body))}
		}
		return Job{}, fmt.Errorf("status failed (HTTP %d): %s", resp.StatusCode, readDiagnostic(resp.Body))
	}
}

// Cancel asks the service to stop a job. Walking away from a poll loop never
// cancels anything; this is the only path that does.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/jobs/"+jobID+"/cancel", nil)
	if err != nil {
		return fmt.Errorf("create cancel request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted, http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("cancel failed (HTTP %d): %s", resp.StatusCode, readDiagnostic(resp.Body))
	}
}

func readDiagnostic(body io.Reader) string {
	payload, _ := io.ReadAll(io.LimitReader(body, 4<<10))
	return strings.TrimSpace(string(payload))
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
