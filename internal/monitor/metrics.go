package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the microVM runtime.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveVMs         prometheus.Gauge
	BootDuration      *prometheus.HistogramVec
	ImageBuildsTotal  *prometheus.CounterVec
	ImageBuildSeconds prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	ArtifactBytes     prometheus.Histogram
}

// NewMetrics creates and registers all collectors on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microvm",
				Name:      "executions_total",
				Help:      "Total executions by backend and outcome.",
			},
			[]string{"backend", "outcome"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "microvm",
				Name:      "execution_duration_seconds",
				Help:      "End-to-end execution duration in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microvm",
				Name:      "execution_errors_total",
				Help:      "Host-side execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveVMs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "microvm",
				Name:      "active_vms",
				Help:      "Number of VMs currently alive.",
			},
		),

		BootDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "microvm",
				Name:      "boot_duration_seconds",
				Help:      "Time from create to guest entry by backend.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"backend"},
		),

		ImageBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microvm",
				Name:      "image_builds_total",
				Help:      "Derived image builds by result (built, cached, failed).",
			},
			[]string{"result"},
		),

		ImageBuildSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "microvm",
				Name:      "image_build_duration_seconds",
				Help:      "Duration of derived image builds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "microvm",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "microvm",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		ArtifactBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "microvm",
				Name:      "artifact_bytes",
				Help:      "Total artifact bytes reported per execution.",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveVMs,
		m.BootDuration,
		m.ImageBuildsTotal,
		m.ImageBuildSeconds,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.ArtifactBytes,
	)

	return m
}

// RecordExecution records a completed execution. Outcome is one of
// "completed", "timed_out", "crashed", or "error".
func (m *Metrics) RecordExecution(backend, outcome string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(backend, outcome).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
}

// RecordError records a host-side execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordImageBuild records one derived image build outcome.
func (m *Metrics) RecordImageBuild(result string, durationSec float64) {
	m.ImageBuildsTotal.WithLabelValues(result).Inc()
	if result == "built" {
		m.ImageBuildSeconds.Observe(durationSec)
	}
}
