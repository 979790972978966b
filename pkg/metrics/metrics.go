// Package metrics exposes Prometheus instrumentation for the fine-tuning
// workflow. Collectors are registered once per process and served on the
// controller's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the workflow collectors.
type Metrics struct {
	SubmissionsTotal   *prometheus.CounterVec
	JobsFinishedTotal  *prometheus.CounterVec
	PollsTotal         prometheus.Counter
	RegistrationsTotal prometheus.Counter
	DeploymentsTotal   *prometheus.CounterVec
	InferenceSeconds   prometheus.Histogram
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finetune",
			Name:      "submissions_total",
			Help:      "Training job submissions by outcome.",
		}, []string{"outcome"}),
		JobsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finetune",
			Name:      "jobs_finished_total",
			Help:      "Training jobs reaching a terminal status.",
		}, []string{"status"}),
		PollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finetune",
			Name:      "status_polls_total",
			Help:      "Status polls issued against the training service.",
		}),
		RegistrationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "finetune",
			Name:      "model_registrations_total",
			Help:      "Model versions registered.",
		}),
		DeploymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finetune",
			Name:      "deployments_total",
			Help:      "Deployment rollouts by terminal state.",
		}, []string{"state"}),
		InferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "finetune",
			Name:      "inference_request_seconds",
			Help:      "Latency of proxied inference requests.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.SubmissionsTotal,
		m.JobsFinishedTotal,
		m.PollsTotal,
		m.RegistrationsTotal,
		m.DeploymentsTotal,
		m.InferenceSeconds,
	)
	return m
}
