// Package metrics exposes Prometheus collectors for the payment service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pixledger",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixledger",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pixledger",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixledger",
			Subsystem: "payments",
			Name:      "transfers_total",
			Help:      "Total number of transfer attempts by outcome.",
		},
		[]string{"outcome"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pixledger",
			Subsystem: "payments",
			Name:      "transfer_duration_seconds",
			Help:      "End-to-end duration of transfer coordination.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"outcome"},
	)

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixledger",
			Subsystem: "allocator",
			Name:      "allocations_total",
			Help:      "Total number of identity allocation attempts.",
		},
		[]string{"outcome"},
	)

	poolRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pixledger",
			Subsystem: "allocator",
			Name:      "pool_remaining",
			Help:      "Identity slots not yet consumed.",
		},
	)

	reconciliationQueue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pixledger",
			Subsystem: "reconciler",
			Name:      "pending_entries",
			Help:      "Ledger entries awaiting local reconciliation.",
		},
	)

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pixledger",
			Subsystem: "reconciler",
			Name:      "attempts_total",
			Help:      "Total reconciliation attempts by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		transfers,
		transferDuration,
		allocations,
		poolRemaining,
		reconciliationQueue,
		reconciliations,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordTransfer records one transfer attempt.
func RecordTransfer(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	transfers.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAllocation records one identity allocation attempt.
func RecordAllocation(outcome string, remaining int) {
	allocations.WithLabelValues(outcome).Inc()
	poolRemaining.Set(float64(remaining))
}

// RecordReconciliation records one reconciliation attempt and the queue depth
// after it.
func RecordReconciliation(outcome string, pending int) {
	reconciliations.WithLabelValues(outcome).Inc()
	reconciliationQueue.Set(float64(pending))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "clients" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/clients"
	}
	if len(parts) == 2 {
		return "/clients/:ref"
	}
	return "/clients/:ref/" + parts[2]
}
