package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the gateway.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	PipelineRejectionsTotal *prometheus.CounterVec
	KeySetFetchesTotal      *prometheus.CounterVec
	PolicyDecisionsTotal    *prometheus.CounterVec
	DirectoryCallsTotal     *prometheus.CounterVec
	DirectoryCallDuration   *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PipelineRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_pipeline_rejections_total",
				Help: "Requests rejected by a pipeline stage",
			},
			[]string{"stage", "reason"},
		),
		KeySetFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_jwks_fetches_total",
				Help: "Remote key set fetch attempts",
			},
			[]string{"outcome"},
		),
		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_policy_decisions_total",
				Help: "Policy decision point queries",
			},
			[]string{"outcome"},
		),
		DirectoryCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_directory_calls_total",
				Help: "Calls made to the user directory backend",
			},
			[]string{"operation", "outcome"},
		),
		DirectoryCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_directory_call_duration_seconds",
				Help:    "User directory backend call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PipelineRejectionsTotal,
		m.KeySetFetchesTotal,
		m.PolicyDecisionsTotal,
		m.DirectoryCallsTotal,
		m.DirectoryCallDuration,
	)

	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRejection counts a request rejected by a pipeline stage.
func (m *Metrics) RecordRejection(stage, reason string) {
	if m == nil {
		return
	}
	m.PipelineRejectionsTotal.WithLabelValues(stage, reason).Inc()
}

// RecordKeySetFetch counts a key set fetch attempt.
func (m *Metrics) RecordKeySetFetch(outcome string) {
	if m == nil {
		return
	}
	m.KeySetFetchesTotal.WithLabelValues(outcome).Inc()
}

// RecordPolicyDecision counts a decision point query by outcome.
func (m *Metrics) RecordPolicyDecision(outcome string) {
	if m == nil {
		return
	}
	m.PolicyDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordDirectoryCall counts and times a directory backend call.
func (m *Metrics) RecordDirectoryCall(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.DirectoryCallsTotal.WithLabelValues(operation, outcome).Inc()
	m.DirectoryCallDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Middleware records request count and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
