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
			Name: "tenex_validator_build_info",
			Help: "Build information of the Tenex validator",
		},
		[]string{"version", "commit", "date"},
	)

	PassTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_pass_total",
			Help: "Total number of weight passes",
		},
		[]string{"status"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenex_validator_pass_duration_seconds",
			Help:    "Duration of weight pass stages",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"stage"},
	)

	CurrentBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_current_block",
			Help: "Most recently observed block height",
		},
	)

	Watermark = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_watermark_block",
			Help: "Block height of the last confirmed weight submission",
		},
	)

	RemoteRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_remote_retries_total",
			Help: "Total number of retried remote calls",
		},
		[]string{"operation"},
	)

	SkippedReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_skipped_reads_total",
			Help: "Total number of aggregation reads skipped after exhausting retries",
		},
		[]string{"operation"},
	)

	ActiveParticipants = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_active_participants",
			Help: "Participants with a non-zero score in the last pass",
		},
	)

	ProtocolLiquidity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_protocol_liquidity_wei",
			Help: "Total LP stake held by the protocol at the last pass",
		},
	)

	ProtocolBorrowed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_protocol_borrowed_wei",
			Help: "Total amount borrowed from the protocol at the last pass",
		},
	)

	ProtocolHealthRatio = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tenex_validator_protocol_health_ratio",
			Help: "Liquidity over borrowed amount, with borrowed floored at one token",
		},
	)

	ProtocolReadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_protocol_reads_total",
			Help: "Total number of protocol stats reads",
		},
		[]string{"status"},
	)

	SubmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_submissions_total",
			Help: "Total number of weight submission attempts",
		},
		[]string{"status"},
	)

	HistoryWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_history_writes_total",
			Help: "Total number of pass history writes",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tenex_validator_http_requests_total",
			Help: "Total number of HTTP requests to the status server",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tenex_validator_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
