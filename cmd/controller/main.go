package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyvo/finetune/backend/pkg/artifact"
	"github.com/vyvo/finetune/backend/pkg/auth"
	"github.com/vyvo/finetune/backend/pkg/config"
	"github.com/vyvo/finetune/backend/pkg/deploy"
	"github.com/vyvo/finetune/backend/pkg/inference"
	"github.com/vyvo/finetune/backend/pkg/metrics"
	"github.com/vyvo/finetune/backend/pkg/registry"
	"github.com/vyvo/finetune/backend/pkg/telemetry"
	"github.com/vyvo/finetune/backend/pkg/template"
	"github.com/vyvo/finetune/backend/pkg/trainer"
	"github.com/vyvo/finetune/backend/pkg/workflow"
)

type server struct {
	cfg       config.ControllerConfig
	trainer   *trainer.Client
	models    *registry.Registry
	store     *deploy.Store
	manager   *deploy.Manager
	runner    *workflow.Runner
	inference *inference.Client
	metrics   *metrics.Metrics
}

type stdLogger struct{}

func (stdLogger) Info(msg string, args ...any)  { log.Println(append([]any{"INFO", msg}, args...)...) }
func (stdLogger) Error(msg string, args ...any) { log.Println(append([]any{"ERROR", msg}, args...)...) }

func newServer(cfg config.ControllerConfig, m *metrics.Metrics) (*server, error) {
	trainerClient := trainer.NewClient(cfg.TrainerURL, trainer.WithRetryPolicy(trainer.RetryPolicy{
		MaxAttempts:    cfg.Submit.MaxAttempts,
		InitialBackoff: cfg.Submit.InitialBackoff,
		MaxBackoff:     cfg.Submit.MaxBackoff,
	}))

	var modelStore registry.Store
	if cfg.PostgresURL != "" {
		pg, err := registry.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(); err != nil {
			return nil, err
		}
		modelStore = pg
	} else {
		modelStore = registry.NewMemoryStore()
	}
	models := registry.New(modelStore)

	store, err := deploy.NewStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	manager := deploy.NewManager(store, models, deploy.NewHTTPProvider(cfg.ProviderURL), deploy.WaitPolicy{
		Interval: cfg.Deploy.Interval,
		MaxWait:  cfg.Deploy.MaxWait,
	}, stdLogger{})

	var fetcher artifact.Fetcher
	switch {
	case cfg.Artifact.Addr != "":
		fetcher, err = artifact.NewSFTPFetcher(artifact.SFTPConfig{
			Addr:       cfg.Artifact.Addr,
			User:       cfg.Artifact.User,
			Password:   cfg.Artifact.Password,
			PrivateKey: cfg.Artifact.PrivateKey,
			Root:       cfg.Artifact.Root,
		})
		if err != nil {
			return nil, err
		}
	case cfg.Artifact.LocalBase != "":
		fetcher = &artifact.LocalFetcher{Base: cfg.Artifact.LocalBase}
	}

	var lease workflow.Lease
	if cfg.RedisURL != "" {
		lease, err = workflow.NewRedisLease(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
	}

	runner := workflow.NewRunner(workflow.Config{
		Service: trainerClient,
		PollPolicy: trainer.PollPolicy{
			InitialInterval: cfg.Poll.InitialInterval,
			MaxInterval:     cfg.Poll.MaxInterval,
			MaxWait:         cfg.Poll.MaxWait,
		},
		Models:      models,
		Deployments: manager,
		Fetcher:     fetcher,
		Lease:       lease,
		LeaseTTL:    cfg.Submit.LeaseTTL,
		Logger:      stdLogger{},
		Metrics:     m,
	})

	return &server{
		cfg:       cfg,
		trainer:   trainerClient,
		models:    models,
		store:     store,
		manager:   manager,
		runner:    runner,
		inference: inference.NewClient(60*time.Second, cfg.APIKey),
		metrics:   m,
	}, nil
}

func main() {
	cfg, err := config.LoadController()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer := telemetry.InitTracer(ctx, "finetune-controller")
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(flushCtx)
	}()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	srv, err := newServer(cfg, m)
	if err != nil {
		log.Fatalf("failed to build controller: %v", err)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", healthzHandler)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	router.Route("/v1", func(r chi.Router) {
		r.Use(auth.RequireKey(cfg.APIKey))

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(60 * time.Second))

			r.Get("/templates", srv.handleListTemplates)
			r.Post("/resolve", srv.handleResolve)

			r.Post("/jobs", srv.handleSubmitJob)
			r.Get("/jobs/{jobID}", srv.handleJobStatus)
			r.Put("/jobs/{jobID}/cancel", srv.handleCancelJob)

			r.Post("/models", srv.handleRegisterModel)
			r.Get("/models/{name}", srv.handleListVersions)
			r.Get("/models/{name}/latest", srv.handleLatestVersion)
			r.Get("/models/{name}/versions/{version}", srv.handleGetVersion)

			r.Put("/endpoints/{name}", srv.handleEnsureEndpoint)
			r.Get("/endpoints/{name}", srv.handleGetEndpoint)
			r.Get("/endpoints/{name}/events", srv.handleEndpointEvents)
			r.Get("/endpoints/{name}/deployments/{deployment}", srv.handleGetDeployment)
			r.Post("/endpoints/{name}/invoke", srv.handleInvoke)
		})

		// Deployment creation waits for the rollout and pipeline runs poll
		// the training job, so neither fits under the request timeout.
		r.Post("/endpoints/{name}/deployments", srv.handleCreateDeployment)
		r.Post("/runs", srv.handleRun)
	})

	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("controller shutdown error: %v", err)
		}
	}()

	log.Printf("controller listening on %s", cfg.ListenAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("controller listen failed: %v", err)
	}

	<-ctx.Done()
	log.Println("controller stopped")
}

func timeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps pipeline errors onto HTTP statuses. Diagnostics travel
// through unmodified.
func writeError(w http.ResponseWriter, err error) {
	var cfgErr *template.ConfigError
	var rejection *trainer.RejectionError
	var failed *trainer.JobFailedError
	var remote *inference.RemoteError

	switch {
	case errors.As(err, &cfgErr):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": cfgErr.Error()})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": rejection.Error()})
	case errors.As(err, &failed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": failed.Error()})
	case errors.Is(err, workflow.ErrDuplicateSubmission):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, trainer.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, registry.ErrJobNotSucceeded), errors.Is(err, deploy.ErrModelNotDeployable):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, inference.ErrInvalidRequest):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, deploy.ErrEndpointFailed):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, trainer.ErrPollTimeout), errors.Is(err, deploy.ErrDeployTimeout), errors.Is(err, inference.ErrTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	case errors.As(err, &remote):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": remote.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"families": template.Families()})
}

type resolveRequest struct {
	Family    string         `json:"family"`
	Overrides map[string]any `json:"overrides"`
}

func (s *server) resolveSpec(req resolveRequest) (template.JobSpec, error) {
	base, err := template.Load(req.Family)
	if err != nil {
		return template.JobSpec{}, &template.ConfigError{Key: "family", Reason: err.Error()}
	}
	return template.Resolve(base, req.Overrides)
}

func (s *server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := s.resolveSpec(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

func (s *server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	spec, err := s.resolveSpec(req)
	if err != nil {
		writeError(w, err)
		return
	}
	jobID, err := s.trainer.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job_id": jobID})
}

func (s *server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.trainer.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.trainer.Cancel(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type registerRequest struct {
	Name  string `json:"name"`
	JobID string `json:"job_id"`
}

func (s *server) handleRegisterModel(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	job, err := s.trainer.Status(r.Context(), req.JobID)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := s.models.Register(registry.RegisterInput{Name: req.Name, Job: job})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.models.List(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

func (s *server) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.models.Latest(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(chi.URLParam(r, "version"))
	if err != nil {
		http.Error(w, "version must be an integer", http.StatusBadRequest)
		return
	}
	version, err := s.models.Get(chi.URLParam(r, "name"), number)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, version)
}

func (s *server) handleEnsureEndpoint(w http.ResponseWriter, r *http.Request) {
	endpoint, err := s.manager.EnsureEndpoint(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, endpoint)
}

func (s *server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	endpoint, ok := s.store.GetEndpoint(name)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoint":    endpoint,
		"deployments": s.store.ListDeployments(name),
	})
}

func (s *server) handleEndpointEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Events(chi.URLParam(r, "name")))
}

func (s *server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var input deploy.CreateDeploymentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	input.EndpointName = chi.URLParam(r, "name")
	deployment, err := s.manager.CreateDeployment(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

func (s *server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, ok := s.store.GetDeployment(chi.URLParam(r, "name"), chi.URLParam(r, "deployment"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

func (s *server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.store.GetEndpoint(chi.URLParam(r, "name"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	if endpoint.ScoringURL == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "endpoint has no scoring URL yet"})
		return
	}
	var req inference.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	started := time.Now()
	resp, err := s.inference.Invoke(r.Context(), endpoint.ScoringURL, req)
	s.metrics.InferenceSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type runRequest struct {
	Family     string                 `json:"family"`
	Overrides  map[string]any         `json:"overrides"`
	ModelName  string                 `json:"model_name"`
	Force      bool                   `json:"force"`
	Deployment *workflow.DeployTarget `json:"deployment,omitempty"`
}

// handleRun drives the whole pipeline in one request. Long trainings are
// expected to go through the CLI instead; this surface exists for CI runs
// against the simulator.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	base, err := template.Load(req.Family)
	if err != nil {
		writeError(w, &template.ConfigError{Key: "family", Reason: err.Error()})
		return
	}
	result, err := s.runner.Run(r.Context(), workflow.RunInput{
		Base:       base,
		Overrides:  req.Overrides,
		ModelName:  req.ModelName,
		Force:      req.Force,
		Deployment: req.Deployment,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
