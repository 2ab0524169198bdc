package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "churnguard_lake_api_build_info",
			Help: "Build information of the query API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "churnguard_lake_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Store metrics
	StoreQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_store_queries_total",
			Help: "Total number of durable store SELECT statements",
		},
		[]string{"backend", "status"},
	)

	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_api_store_query_duration_seconds",
			Help:    "Duration of durable store SELECT statements in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~16s
		},
		[]string{"backend"},
	)

	// Generation backend metrics
	GenerationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_generation_requests_total",
			Help: "Total number of generation backend requests",
		},
		[]string{"provider", "status"},
	)

	GenerationRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_api_generation_request_duration_seconds",
			Help:    "Duration of generation backend requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
		[]string{"provider"},
	)

	GenerationTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_generation_tokens_total",
			Help: "Total number of generation tokens used",
		},
		[]string{"provider", "type"}, // "input", "output", "cache_creation", "cache_read"
	)

	// Query pipeline metrics
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_queries_total",
			Help: "Total number of compiled questions by outcome",
		},
		[]string{"path"}, // "generated", "fallback", "failed"
	)

	ValidationRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_validation_rejections_total",
			Help: "Total number of candidate programs rejected by the safety validator",
		},
		[]string{"reason"},
	)

	FallbackTemplateTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_fallback_template_total",
			Help: "Total number of fallback template matches",
		},
		[]string{"template"},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_executions_total",
			Help: "Total number of program executions",
		},
		[]string{"backend", "status"}, // status: "success", "truncated", "timeout", "error"
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "churnguard_lake_api_execution_duration_seconds",
			Help:    "Duration of program executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"backend"},
	)

	// Session metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "churnguard_lake_api_sessions_active",
			Help: "Number of live sessions",
		},
	)

	GenerationRateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "churnguard_lake_api_generation_rate_limited_total",
			Help: "Total number of turns that skipped generation because of the session rate limit",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}

		status := strconv.Itoa(ww.Status())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordStoreQuery records metrics for a durable store SELECT.
func RecordStoreQuery(backend string, duration time.Duration, err error) {
	StoreQueriesTotal.WithLabelValues(backend, statusOf(err)).Inc()
	StoreQueryDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordGenerationRequest records metrics for a generation backend request.
func RecordGenerationRequest(provider string, duration time.Duration, err error) {
	GenerationRequestsTotal.WithLabelValues(provider, statusOf(err)).Inc()
	GenerationRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordGenerationTokens records token usage including cache metrics.
func RecordGenerationTokens(provider string, inputTokens, outputTokens, cacheCreationTokens, cacheReadTokens int64) {
	GenerationTokensTotal.WithLabelValues(provider, "input").Add(float64(inputTokens))
	GenerationTokensTotal.WithLabelValues(provider, "output").Add(float64(outputTokens))
	if cacheCreationTokens > 0 {
		GenerationTokensTotal.WithLabelValues(provider, "cache_creation").Add(float64(cacheCreationTokens))
	}
	if cacheReadTokens > 0 {
		GenerationTokensTotal.WithLabelValues(provider, "cache_read").Add(float64(cacheReadTokens))
	}
}

// RecordQuery records the outcome path of one compiled question.
func RecordQuery(path string) {
	QueriesTotal.WithLabelValues(path).Inc()
}

// RecordValidationRejection records a rejected candidate by reason.
func RecordValidationRejection(reason string) {
	ValidationRejectionsTotal.WithLabelValues(reason).Inc()
}

// RecordFallbackTemplate records which fallback template matched.
func RecordFallbackTemplate(template string) {
	FallbackTemplateTotal.WithLabelValues(template).Inc()
}

// RecordExecution records metrics for one program execution.
func RecordExecution(backend, status string, duration time.Duration) {
	ExecutionsTotal.WithLabelValues(backend, status).Inc()
	ExecutionDuration.WithLabelValues(backend).Observe(duration.Seconds())
}
