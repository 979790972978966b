package trainer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func TestSubmitRetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"job_id":"ft-123"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRetryPolicy(fastRetry(4)))
	jobID, err := client.Submit(context.Background(), testSpec())
	if err != nil {
		t.Fatalf("expected submit to recover, got %v", err)
	}
	if jobID != "ft-123" {
		t.Fatalf("unexpected job id %q", jobID)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitDoesNotRetryRejection(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "quota exceeded for SKU Standard_ND96amsr_A100_v4", http.StatusForbidden)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRetryPolicy(fastRetry(4)))
	_, err := client.Submit(context.Background(), testSpec())
	var rejection *RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rejection.StatusCode != http.StatusForbidden {
		t.Fatalf("unexpected status code %d", rejection.StatusCode)
	}
	if !strings.Contains(rejection.Diagnostic, "quota exceeded") {
		t.Fatalf("diagnostic not passed through: %q", rejection.Diagnostic)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("rejection must not be retried, got %d attempts", got)
	}
}

func TestSubmitExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithRetryPolicy(fastRetry(3)))
	_, err := client.Submit(context.Background(), testSpec())
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if !strings.Contains(err.Error(), "retries exhausted") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if _, err := client.Status(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStatusReturnsDiagnostics(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"job_id":"ft-9","status":"FAILED","diagnostics":"CUDA out of memory on rank 3"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	job, err := client.Status(context.Background(), "ft-9")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("unexpected status %s", job.Status)
	}
	if job.Diagnostics != "CUDA out of memory on rank 3" {
		t.Fatalf("diagnostics altered: %q", job.Diagnostics)
	}
}

func TestCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || !strings.HasSuffix(r.URL.Path, "/cancel") {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	if err := client.Cancel(context.Background(), "ft-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
