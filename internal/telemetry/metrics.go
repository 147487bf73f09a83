// Package telemetry exposes Prometheus metrics for pipeline stages and evaluation runs.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values
const (
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusFallback = "fallback"
)

// Prompt outcome label values
const (
	OutcomeEvaluated = "evaluated"
	OutcomeDegraded  = "degraded"
	OutcomeFailed    = "failed"
)

// Metrics tracks pipeline behaviour. A nil *Metrics is valid and records nothing.
//
// Usage:
//
//	m := telemetry.NewMetrics(prometheus.NewRegistry())
//	start := time.Now()
//	...
//	m.ObserveStage("rerank", telemetry.StatusSuccess, time.Since(start))
type Metrics struct {
	registry prometheus.Gatherer

	// StageRequests counts stage invocations.
	// Labels: stage (preprocessing|retrieval|rerank|generation), status (success|error|fallback)
	StageRequests *prometheus.CounterVec

	// StageDuration measures stage latency in seconds.
	// Labels: stage
	StageDuration *prometheus.HistogramVec

	// Prompts counts evaluated prompts by outcome.
	// Labels: outcome (evaluated|degraded|failed)
	Prompts *prometheus.CounterVec

	// RetrievalLatency is the latency fed into the metrics engine, in seconds.
	RetrievalLatency prometheus.Histogram
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,

		StageRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rageval_stage_requests_total",
				Help: "Total pipeline stage invocations by stage and status",
			},
			[]string{"stage", "status"},
		),

		StageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rageval_stage_duration_seconds",
				Help:    "Duration of pipeline stages in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"stage"},
		),

		Prompts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rageval_prompts_total",
				Help: "Total evaluation prompts by outcome",
			},
			[]string{"outcome"},
		),

		RetrievalLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rageval_retrieval_latency_seconds",
				Help:    "Latency from vector search request to ranked results",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
	}
}

// ObserveStage records one stage invocation.
func (m *Metrics) ObserveStage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageRequests.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveRetrieval records the retrieval latency used for scoring.
func (m *Metrics) ObserveRetrieval(d time.Duration) {
	if m == nil {
		return
	}
	m.RetrievalLatency.Observe(d.Seconds())
}

// PromptDone records the outcome of one evaluation prompt.
func (m *Metrics) PromptDone(outcome string) {
	if m == nil {
		return
	}
	m.Prompts.WithLabelValues(outcome).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry to path in node-exporter textfile format.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
