package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklint/stacklint/pkg/engine"
)

// Metrics provides Prometheus metrics for stacklint.
type Metrics struct {
	config MetricsConfig

	// Evaluation metrics
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec

	// Finding metrics
	findingsBySeverity *prometheus.CounterVec
	entitiesByState    *prometheus.CounterVec

	// Parse metrics
	parseFailures prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "evaluations_total",
				Help:      "Total number of evaluation passes",
			},
			[]string{"status"},
		),
		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "evaluation_duration_seconds",
				Help:      "Duration of evaluation passes in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		findingsBySeverity: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "findings_total",
				Help:      "Total number of findings by severity",
			},
			[]string{"severity", "inconclusive"},
		),
		entitiesByState: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entities_total",
				Help:      "Total number of evaluated entities by terminal state",
			},
			[]string{"state"},
		),
		parseFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parse_failures_total",
				Help:      "Total number of templates rejected by the parser",
			},
		),
	}

	registry.MustRegister(
		m.evaluationsTotal,
		m.evaluationDuration,
		m.findingsBySeverity,
		m.entitiesByState,
		m.parseFailures,
	)

	return m, nil
}

// ObserveEvaluation records one completed evaluation pass.
func (m *Metrics) ObserveEvaluation(result *engine.Result) {
	if m.evaluationsTotal == nil {
		return
	}

	status := "complete"
	if result.Incomplete {
		status = "incomplete"
	}
	m.evaluationsTotal.WithLabelValues(status).Inc()
	m.evaluationDuration.WithLabelValues(status).Observe(result.Duration.Seconds())

	for _, d := range result.Diagnostics {
		inconclusive := "false"
		if d.Inconclusive {
			inconclusive = "true"
		}
		m.findingsBySeverity.WithLabelValues(string(d.Severity), inconclusive).Inc()
	}
	for _, e := range result.Entities {
		m.entitiesByState.WithLabelValues(string(e.State)).Inc()
	}
}

// RecordParseFailure counts a rejected template.
func (m *Metrics) RecordParseFailure() {
	if m.parseFailures == nil {
		return
	}
	m.parseFailures.Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		_ = server.ListenAndServe()
	}()

	return nil
}
