package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	storeDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Save outcomes used as the result label of hoa_override_saves_total.
const (
	SaveOK       = "ok"
	SaveInvalid  = "invalid"
	SaveConflict = "conflict"
	SaveError    = "error"
)

// Base definition load outcomes.
const (
	LoadOK     = "ok"
	LoadFailed = "failed"
)

// Metrics holds the Prometheus instruments of the workflow configuration
// service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	OverrideSavesTotal      *prometheus.CounterVec
	OverrideSaveDuration    *prometheus.HistogramVec
	ValidationFailuresTotal *prometheus.CounterVec
	EventsPublishedTotal    *prometheus.CounterVec

	EffectiveCacheTotal  *prometheus.CounterVec
	CapabilityCacheTotal *prometheus.CounterVec

	DefinitionLoadTotal *prometheus.CounterVec
	DefinitionsLoaded   prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoa_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoa_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		OverrideSavesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_override_saves_total",
			Help: "Override document saves by outcome.",
		}, []string{"workflow_key", "result"}),
		OverrideSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hoa_override_save_duration_seconds",
			Help:    "Time spent persisting an override document.",
			Buckets: storeDurationBuckets,
		}, []string{"workflow_key"}),
		ValidationFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_validation_failures_total",
			Help: "Override documents rejected by validation.",
		}, []string{"workflow_key"}),
		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_events_published_total",
			Help: "Change events published by topic and outcome.",
		}, []string{"topic", "result"}),

		EffectiveCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_effective_cache_total",
			Help: "Effective configuration cache lookups by result.",
		}, []string{"result"}),
		CapabilityCacheTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_capability_cache_total",
			Help: "Capability cache lookups by result.",
		}, []string{"result"}),

		DefinitionLoadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hoa_definition_load_total",
			Help: "Base definition load attempts by status.",
		}, []string{"status"}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hoa_base_definitions_loaded",
			Help: "Number of base workflow definitions in the registry.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSizeBytes,
		m.OverrideSavesTotal,
		m.OverrideSaveDuration,
		m.ValidationFailuresTotal,
		m.EventsPublishedTotal,
		m.EffectiveCacheTotal,
		m.CapabilityCacheTotal,
		m.DefinitionLoadTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordOverrideSave records the outcome of an override save.
func (m *Metrics) RecordOverrideSave(workflowKey, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.OverrideSavesTotal.WithLabelValues(workflowKey, result).Inc()
	if result == SaveOK {
		m.OverrideSaveDuration.WithLabelValues(workflowKey).Observe(duration.Seconds())
	}
}

// RecordValidationFailure records a rejected override document.
func (m *Metrics) RecordValidationFailure(workflowKey string) {
	if m == nil {
		return
	}
	m.ValidationFailuresTotal.WithLabelValues(workflowKey).Inc()
}

// RecordEventPublished records a change event publication.
func (m *Metrics) RecordEventPublished(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(topic, result).Inc()
}

// RecordEffectiveCache records an effective configuration cache lookup.
func (m *Metrics) RecordEffectiveCache(hit bool) {
	if m == nil {
		return
	}
	m.EffectiveCacheTotal.WithLabelValues(hitLabel(hit)).Inc()
}

// RecordCapabilityCache records a capability cache lookup.
func (m *Metrics) RecordCapabilityCache(hit bool) {
	if m == nil {
		return
	}
	m.CapabilityCacheTotal.WithLabelValues(hitLabel(hit)).Inc()
}

// RecordDefinitionLoad records a base definition load and the resulting
// registry size.
func (m *Metrics) RecordDefinitionLoad(status string, count int) {
	if m == nil {
		return
	}
	m.DefinitionLoadTotal.WithLabelValues(status).Inc()
	if status == LoadOK {
		m.DefinitionsLoaded.Set(float64(count))
	}
}

func hitLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}

// MetricsMiddleware returns HTTP middleware that records request metrics
// labelled with chi's route pattern rather than the raw URL path.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the metrics endpoint,
// serving the given gatherer. A nil gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context,
// falling back to the raw URL path.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.TrimSuffix(strings.Join(rctx.RoutePatterns, ""), "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
