// Package metrics exposes Prometheus instrumentation for the daemon: HTTP
// request metrics via middleware plus counters for the sync machinery.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbsyncd_http_requests_total",
		Help: "Total number of HTTP requests processed.",
	}, []string{"method", "route"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qbsyncd_http_request_duration_seconds",
		Help:    "Histogram of latencies for HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbsyncd_cache_refreshes_total",
		Help: "Total number of cache refresh passes by outcome.",
	}, []string{"status"})

	refreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "qbsyncd_cache_refresh_duration_seconds",
		Help:    "Histogram of full cache refresh pass durations.",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	})

	entityRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qbsyncd_entity_records",
		Help: "Number of records currently cached per entity type.",
	}, []string{"entity"})

	tokenRefreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "qbsyncd_token_refreshes_total",
		Help: "Total number of OAuth token refresh attempts by outcome.",
	}, []string{"outcome"})
)

// Middleware records per-request counters and latency, labeled by the chi
// route pattern so path parameters don't explode cardinality.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := routePattern(r)
			status := strconv.Itoa(ww.Status())
			httpRequestsTotal.WithLabelValues(r.Method, route).Inc()
			httpRequestDuration.WithLabelValues(r.Method, route, status).
				Observe(time.Since(start).Seconds())
		})
	}
}

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRefresh records one cache refresh pass.
func ObserveRefresh(status string, duration time.Duration) {
	refreshesTotal.WithLabelValues(status).Inc()
	refreshDuration.Observe(duration.Seconds())
}

// SetEntityRecords tracks the cached record count for one entity type.
func SetEntityRecords(entity string, count int) {
	entityRecords.WithLabelValues(entity).Set(float64(count))
}

// ObserveTokenRefresh records a token refresh attempt outcome.
func ObserveTokenRefresh(err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	tokenRefreshesTotal.WithLabelValues(outcome).Inc()
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := strings.TrimSpace(rctx.RoutePattern()); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
