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
			Name: "querygate_build_info",
			Help: "Build information of querygate",
		},
		[]string{"version", "commit", "date"},
	)

	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_requests_total",
		Help: "Total number of requests by outcome kind",
	}, []string{"outcome"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 12), // 1ms .. ~60s
	}, []string{"stage"})

	StageFallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_stage_fallbacks_total",
		Help: "Total number of recoverable stage failures absorbed by a fallback",
	}, []string{"stage"})

	CacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_lookups_total",
		Help: "Total number of fingerprint cache lookups by hit type",
	}, []string{"hit"})

	CacheEvictionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_cache_evictions_total",
		Help: "Total number of fingerprint cache evictions by reason",
	}, []string{"reason"})

	CacheEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_cache_entries",
		Help: "Current number of fingerprint cache entries",
	})

	ValidatorVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_validator_verdicts_total",
		Help: "Total number of validation verdicts by verdict and rule",
	}, []string{"verdict", "rule"})

	AuditFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_audit_failures_total",
		Help: "Total number of audit records that could not be written",
	}, []string{"sink"})

	ExecutorQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_executor_queries_total",
		Help: "Total number of executed statements by outcome",
	}, []string{"outcome"})

	ExecutorCheckedOut = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_executor_checked_out",
		Help: "Number of pooled connections currently checked out",
	})

	ExecutorQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "querygate_executor_queue_wait_seconds",
		Help:    "Time spent waiting for a pooled connection",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms .. ~4s
	})

	GenerationAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_generation_attempts_total",
		Help: "Total number of generation attempts by result",
	}, []string{"result"})

	EmbeddingCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_embedding_cache_total",
		Help: "Total number of query embedding memo lookups by result",
	}, []string{"result"})

	IndexVersionChangesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "querygate_index_version_changes_total",
		Help: "Total number of schema index version changes observed",
	})

	IndexEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_index_entities",
		Help: "Number of entities in the loaded schema index",
	})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "querygate_http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPRequestsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "querygate_http_requests_in_flight",
		Help: "Number of HTTP requests currently being processed",
	})

	WireQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "querygate_wire_queries_total",
		Help: "Total number of postgres wire protocol queries by outcome",
	}, []string{"outcome"})
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
