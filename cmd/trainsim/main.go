// Command trainsim is a local stand-in for the managed training service. It
// speaks the same job, endpoint and scoring interfaces the controller
// expects, walks submitted jobs through their lifecycle on a timer, and
// writes a small artifact tree for each successful run so checksum
// registration works end to end.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/vyvo/finetune/backend/pkg/inference"
	"github.com/vyvo/finetune/backend/pkg/trainer"
)

type simJob struct {
	ID          string
	Spec        json.RawMessage
	ModelName   string
	Created     time.Time
	Outcome     trainer.JobStatus
	Canceled    bool
	ArtifactURI string
}

type simDeployment struct {
	Payload json.RawMessage
	Created time.Time
}

type simulator struct {
	mu          sync.Mutex
	jobs        map[string]*simJob
	endpoints   map[string]string
	deployments map[string]*simDeployment
	flaky       map[string]int

	queueDelay  time.Duration
	runDuration time.Duration
	readyDelay  time.Duration
	artifactDir string
	baseURL     string
}

type submitPayload struct {
	Spec struct {
		ModelName string `json:"model_name"`
		Hyper     struct {
			Epochs       int     `json:"epochs"`
			LearningRate float64 `json:"learning_rate"`
		} `json:"hyperparameters"`
	} `json:"spec"`
	Fingerprint string `json:"fingerprint"`
}

func main() {
	var (
		listen      = flag.String("listen", ":8081", "listen address")
		queueDelay  = flag.Duration("queue-delay", 2*time.Second, "time a job spends queued")
		runDuration = flag.Duration("run-duration", 5*time.Second, "time a job spends running")
		readyDelay  = flag.Duration("ready-delay", 3*time.Second, "time a deployment spends creating")
		artifactDir = flag.String("artifact-dir", "data/artifacts", "directory for generated artifacts")
		baseURL     = flag.String("base-url", "http://localhost:8081", "externally visible base URL for scoring")
	)
	flag.Parse()

	sim := &simulator{
		jobs:        make(map[string]*simJob),
		endpoints:   make(map[string]string),
		deployments: make(map[string]*simDeployment),
		flaky:       make(map[string]int),
		queueDelay:  *queueDelay,
		runDuration: *runDuration,
		readyDelay:  *readyDelay,
		artifactDir: *artifactDir,
		baseURL:     strings.TrimSuffix(*baseURL, "/"),
	}

	router := chi.NewRouter()
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	router.Post("/v1/jobs", sim.handleSubmit)
	router.Get("/v1/jobs/{jobID}", sim.handleStatus)
	router.Put("/v1/jobs/{jobID}/cancel", sim.handleCancel)

	router.Put("/v1/endpoints/{name}", sim.handleCreateEndpoint)
	router.Post("/v1/endpoints/{name}/deployments", sim.handleCreateDeployment)
	router.Get("/v1/endpoints/{name}/deployments/{deployment}", sim.handleDeploymentState)

	router.Post("/score/{name}", sim.handleScore)

	log.Printf("trainsim listening on %s (queue %s, run %s)", *listen, *queueDelay, *runDuration)
	if err := http.ListenAndServe(*listen, router); err != nil {
		log.Fatalf("trainsim listen failed: %v", err)
	}
}

// handleSubmit accepts a job unless the descriptor is malformed. Two
// headers steer the lifecycle for tests: X-Sim-Outcome (SUCCEEDED or
// FAILED) picks the terminal state, and X-Sim-Flaky makes the first N
// attempts for a fingerprint fail with HTTP 503.
func (s *simulator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	raw, err := httpReadAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var payload submitPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		http.Error(w, "malformed job descriptor", http.StatusUnprocessableEntity)
		return
	}
	if payload.Spec.ModelName == "" {
		http.Error(w, "job descriptor missing model_name", http.StatusUnprocessableEntity)
		return
	}
	if payload.Spec.Hyper.Epochs <= 0 {
		http.Error(w, "epochs must be a positive integer", http.StatusUnprocessableEntity)
		return
	}
	if payload.Spec.Hyper.LearningRate >= 1 {
		http.Error(w, fmt.Sprintf("learning_rate %g is outside the accepted range", payload.Spec.Hyper.LearningRate), http.StatusUnprocessableEntity)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if n, err := strconv.Atoi(r.Header.Get("X-Sim-Flaky")); err == nil && n > 0 {
		if s.flaky[payload.Fingerprint] < n {
			s.flaky[payload.Fingerprint]++
			http.Error(w, "capacity temporarily unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	outcome := trainer.StatusSucceeded
	if strings.EqualFold(r.Header.Get("X-Sim-Outcome"), string(trainer.StatusFailed)) {
		outcome = trainer.StatusFailed
	}

	job := &simJob{
		ID:        "ft-" + uuid.NewString()[:8],
		Spec:      raw,
		ModelName: payload.Spec.ModelName,
		Created:   time.Now(),
		Outcome:   outcome,
	}
	s.jobs[job.ID] = job

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(trainer.SubmitResponse{JobID: job.ID})
}

func (s *simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	job, ok := s.jobs[chi.URLParam(r, "jobID")]
	if !ok {
		s.mu.Unlock()
		http.NotFound(w, r)
		return
	}
	view := s.jobView(job)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

func (s *simulator) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[chi.URLParam(r, "jobID")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if !s.jobView(job).Status.Terminal() {
		job.Canceled = true
	}
	w.WriteHeader(http.StatusAccepted)
}

// jobView derives the externally visible state from elapsed wall time.
// Callers hold s.mu.
func (s *simulator) jobView(job *simJob) trainer.Job {
	elapsed := time.Since(job.Created)
	view := trainer.Job{ID: job.ID}

	switch {
	case job.Canceled:
		view.Status = trainer.StatusCanceled
		view.Diagnostics = "canceled by user request"
	case elapsed < s.queueDelay:
		view.Status = trainer.StatusQueued
		pos := 1
		view.QueuePosition = &pos
	case elapsed < s.queueDelay+s.runDuration:
		view.Status = trainer.StatusRunning
	case job.Outcome == trainer.StatusFailed:
		view.Status = trainer.StatusFailed
		view.Diagnostics = "CUDA out of memory on worker 0 during epoch 1"
	default:
		view.Status = trainer.StatusSucceeded
		if job.ArtifactURI == "" {
			job.ArtifactURI = s.writeArtifact(job)
		}
		view.ArtifactURI = job.ArtifactURI
		view.Metrics = &trainer.TrainingMetrics{FinalLoss: 1.37, Perplexity: 3.94}
	}
	return view
}

// writeArtifact materialises a small adapter tree so checksum-based
// registration has real bytes to digest.
func (s *simulator) writeArtifact(job *simJob) string {
	rel := filepath.Join(job.ID, "trained_model")
	dir := filepath.Join(s.artifactDir, rel)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Printf("artifact dir for %s: %v", job.ID, err)
		return rel
	}
	files := map[string]string{
		"adapter_config.json": fmt.Sprintf("{\"base_model\": %q, \"job\": %q}\n", job.ModelName, job.ID),
		"adapter_model.bin":   "simulated adapter weights for " + job.ID + "\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			log.Printf("write artifact %s: %v", name, err)
		}
	}
	return rel
}

func (s *simulator) handleCreateEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	s.mu.Lock()
	scoringURL, existed := s.endpoints[name]
	if !existed {
		scoringURL = s.baseURL + "/score/" + name
		s.endpoints[name] = scoringURL
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if existed {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "scoring_url": scoringURL})
}

func (s *simulator) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "name")

	s.mu.Lock()
	_, ok := s.endpoints[endpoint]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	raw, err := httpReadAll(r)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	var probe struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.Name == "" {
		http.Error(w, "malformed deployment", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.deployments[endpoint+"/"+probe.Name] = &simDeployment{Payload: raw, Created: time.Now()}
	s.mu.Unlock()

	w.WriteHeader(http.StatusAccepted)
}

// handleDeploymentState walks CREATING to READY on a timer. Deployments
// whose name ends in "-fail" report an image pull failure instead, which
// is how rollout-failure paths are exercised locally.
func (s *simulator) handleDeploymentState(w http.ResponseWriter, r *http.Request) {
	endpoint := chi.URLParam(r, "name")
	name := chi.URLParam(r, "deployment")

	s.mu.Lock()
	deployment, ok := s.deployments[endpoint+"/"+name]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	state := map[string]string{"state": "CREATING"}
	if time.Since(deployment.Created) >= s.readyDelay {
		if strings.HasSuffix(name, "-fail") {
			state["state"] = "FAILED"
			state["detail"] = "image pull backoff: registry unreachable"
		} else {
			state["state"] = "READY"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(state)
}

// handleScore answers generation requests with a canned completion that
// echoes enough of the input to assert on.
func (s *simulator) handleScore(w http.ResponseWriter, r *http.Request) {
	var req inference.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed generation request", http.StatusBadRequest)
		return
	}

	var source string
	switch {
	case len(req.Messages) > 0:
		source = req.Messages[len(req.Messages)-1].Content
	case strings.TrimSpace(req.Prompt) != "":
		source = req.Prompt
	default:
		http.Error(w, "request needs a prompt or chat messages", http.StatusBadRequest)
		return
	}

	text := source
	if len(text) > 48 {
		text = text[:48]
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(inference.Response{
		Text: fmt.Sprintf("[%s] %s", chi.URLParam(r, "name"), text),
	})
}

func httpReadAll(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(io.LimitReader(r.Body, 1<<20))
}
