package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// unmatchedRoute labels requests no registered pattern serves, so unknown
// paths cannot grow label cardinality.
const unmatchedRoute = "unmatched"

type metrics struct {
	registry   *prometheus.Registry
	requests   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	throttled  *prometheus.CounterVec
	dispatched *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceflow",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "faceflow",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method, route pattern and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceflow",
			Subsystem: "api",
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the per-caller token bucket.",
		}, []string{"route"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "faceflow",
			Subsystem: "api",
			Name:      "jobs_dispatched_total",
			Help:      "Jobs created by runs started through the API, by dispatch mode.",
		}, []string{"dispatch"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.latency,
		m.throttled,
		m.dispatched,
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

type routeKey struct{}

// withRoute resolves the mux pattern that will serve r once and hands it to
// the middleware below through the request context.
func (s *Server) withRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pattern := s.mux.Handler(r)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeKey{}, pattern)))
	})
}

// patternOf returns the full mux pattern, method included, or "".
func patternOf(r *http.Request) string {
	pattern, _ := r.Context().Value(routeKey{}).(string)
	return pattern
}

// routeLabel drops the method from a mux pattern.
func routeLabel(pattern string) string {
	if pattern == "" {
		return unmatchedRoute
	}
	if _, path, ok := strings.Cut(pattern, " "); ok {
		return path
	}
	return pattern
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		labels := prometheus.Labels{
			"method": r.Method,
			"route":  routeLabel(patternOf(r)),
			"status": strconv.Itoa(sw.status),
		}
		s.metrics.requests.With(labels).Inc()
		s.metrics.latency.With(labels).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
