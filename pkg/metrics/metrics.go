/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace is the common prefix for all application metrics.
	Namespace = "nexusrag"

	// Common metric label names.
	RouteClassLabel  = "route_class"
	ProviderLabel    = "provider"
	OutcomeLabel     = "outcome"
	EventLabel       = "event"
	PeriodLabel      = "period"
	ScopeLabel       = "scope"
	KindLabel        = "kind"
	CodeLabel        = "code"
	IntegrationLabel = "integration"
	StatusLabel      = "status"
	MethodLabel      = "method"
)

// DurationBuckets returns a []float64 of default threshold values for duration histograms.
// Each returned slice is new and may be modified without impacting other bucket definitions.
func DurationBuckets() []float64 {
	return []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.25, 0.3, 0.35, 0.4, 0.45, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0,
		1.25, 1.5, 1.75, 2.0, 2.5, 3.0, 3.5, 4.0, 4.5, 5, 6, 7, 8, 9, 10, 15, 20, 25, 30, 40, 50, 60}
}

// Metrics holds every instrument the service exposes, registered on a private
// registry so tests can assert on scrapes without process-global state.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	RunStreamsActive  prometheus.Gauge
	RunEventsTotal    *prometheus.CounterVec
	RunDuration       prometheus.Histogram
	TokensForwarded   prometheus.Counter
	RetrievalDuration *prometheus.HistogramVec
	RetrievalErrors   *prometheus.CounterVec

	RateLimitDecisions *prometheus.CounterVec
	QuotaDecisions     *prometheus.CounterVec
	IdempotencyHits    *prometheus.CounterVec
	BulkheadRejections *prometheus.CounterVec

	AuditEventsWritten prometheus.Counter
	AuditEventsDropped prometheus.Counter

	QueueDepth  prometheus.Gauge
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec
	ChunksTotal prometheus.Counter

	BreakerState        *prometheus.GaugeVec
	IntegrationFailures *prometheus.CounterVec

	FailoverTransitions *prometheus.CounterVec
	CryptoOperations    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		Registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route class, method, and status code.",
		}, []string{RouteClassLabel, MethodLabel, StatusLabel}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route class and method.",
			Buckets:   DurationBuckets(),
		}, []string{RouteClassLabel, MethodLabel}),
		RunStreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "streams_active",
			Help:      "Currently open run streams.",
		}),
		RunEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "events_total",
			Help:      "SSE events emitted by event name.",
		}, []string{EventLabel}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "duration_seconds",
			Help:      "End-to-end run duration from admission to done.",
			Buckets:   DurationBuckets(),
		}),
		TokensForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "run",
			Name:      "tokens_forwarded_total",
			Help:      "LLM token frames forwarded to clients.",
		}),
		RetrievalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Retrieval latency by provider.",
			Buckets:   DurationBuckets(),
		}, []string{ProviderLabel}),
		RetrievalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "retrieval",
			Name:      "errors_total",
			Help:      "Retrieval failures by provider and stable error code.",
		}, []string{ProviderLabel, CodeLabel}),
		RateLimitDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit admission decisions.",
		}, []string{ScopeLabel, RouteClassLabel, OutcomeLabel}),
		QuotaDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "quota",
			Name:      "decisions_total",
			Help:      "Quota admission decisions by period.",
		}, []string{PeriodLabel, OutcomeLabel}),
		IdempotencyHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "idempotency",
			Name:      "requests_total",
			Help:      "Idempotency outcomes: miss, replay, conflict.",
		}, []string{OutcomeLabel}),
		BulkheadRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "bulkhead",
			Name:      "rejections_total",
			Help:      "Admissions refused because a route-class bulkhead was saturated.",
		}, []string{RouteClassLabel}),
		AuditEventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "audit",
			Name:      "events_written_total",
			Help:      "Audit events persisted.",
		}),
		AuditEventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "audit",
			Name:      "events_dropped_total",
			Help:      "Audit events dropped because the buffer overflowed.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Jobs waiting in the durable queue.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "jobs_total",
			Help:      "Queue jobs by kind and outcome.",
		}, []string{KindLabel, OutcomeLabel}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Queue job execution time by kind.",
			Buckets:   DurationBuckets(),
		}, []string{KindLabel}),
		ChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ingest",
			Name:      "chunks_total",
			Help:      "Chunks written by the ingestion pipeline.",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "integration",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per integration (0 closed, 1 half-open, 2 open).",
		}, []string{IntegrationLabel}),
		IntegrationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "integration",
			Name:      "failures_total",
			Help:      "External call failures by integration and stable error code.",
		}, []string{IntegrationLabel, CodeLabel}),
		FailoverTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "failover",
			Name:      "transitions_total",
			Help:      "Failover state transitions.",
		}, []string{"from", "to"}),
		CryptoOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "crypto",
			Name:      "operations_total",
			Help:      "Envelope crypto operations by op and outcome.",
		}, []string{"op", OutcomeLabel}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.RunStreamsActive,
		m.RunEventsTotal,
		m.RunDuration,
		m.TokensForwarded,
		m.RetrievalDuration,
		m.RetrievalErrors,
		m.RateLimitDecisions,
		m.QuotaDecisions,
		m.IdempotencyHits,
		m.BulkheadRejections,
		m.AuditEventsWritten,
		m.AuditEventsDropped,
		m.QueueDepth,
		m.JobsTotal,
		m.JobDuration,
		m.ChunksTotal,
		m.BreakerState,
		m.IntegrationFailures,
		m.FailoverTransitions,
		m.CryptoOperations,
	)
	return m
}
