// Package metrics exposes Prometheus instrumentation for the HTTP surface and
// the core domain flows.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_engine",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trust_engine",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// LedgerTransactionsTotal counts committed ledger transactions by kind.
	LedgerTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_engine",
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Committed ledger transactions by kind.",
	}, []string{"kind"})

	// ScoreRecomputesTotal counts reputation recompute runs by outcome.
	ScoreRecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_engine",
		Subsystem: "reputation",
		Name:      "recomputes_total",
		Help:      "Score recompute runs by outcome.",
	}, []string{"outcome"})

	// ScoreRecomputeDuration observes how long a single-user recompute takes.
	ScoreRecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trust_engine",
		Subsystem: "reputation",
		Name:      "recompute_duration_seconds",
		Help:      "Latency of a single-user score recompute.",
		Buckets:   prometheus.DefBuckets,
	})

	// ReferralPayoutsTotal counts referral reward payouts by level.
	ReferralPayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_engine",
		Subsystem: "referral",
		Name:      "payouts_total",
		Help:      "Referral reward payouts by cascade level.",
	}, []string{"level"})

	// GateDecisionsTotal counts gate evaluations by outcome.
	GateDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_engine",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate decisions by outcome.",
	}, []string{"outcome"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an HTTP handler with request counting and latency
// observation. Path labels are canonicalized to keep cardinality bounded.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// canonicalPath collapses identifier segments so each route yields one label.
func canonicalPath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 {
		return "/"
	}
	switch parts[0] {
	case "users":
		// /users/{id}/...
		if len(parts) >= 2 {
			parts[1] = "{id}"
		}
		if len(parts) >= 4 && parts[2] == "trust" {
			parts[3] = "{trusted}"
		}
	}
	return "/" + strings.Join(parts, "/")
}
