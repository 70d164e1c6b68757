// Package metrics exposes Prometheus collectors for the bounty service.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "civic_bounty"

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "path"},
	)

	l402Challenges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "l402",
			Name:      "challenges_total",
			Help:      "Total number of 402 challenges issued.",
		},
	)

	l402Verifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "l402",
			Name:      "verifications_total",
			Help:      "L402 token verifications by result.",
		},
		[]string{"result"},
	)

	lightningCalls = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lightning",
			Name:      "call_duration_seconds",
			Help:      "Duration of Lightning node calls.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"operation", "success"},
	)

	jobClaims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "claims_total",
			Help:      "Job claim attempts by result.",
		},
		[]string{"result"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Ledger entry applications by type and result.",
		},
		[]string{"type", "result"},
	)

	payouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "payouts",
			Name:      "total",
			Help:      "Reward payouts by payee kind and result.",
		},
		[]string{"kind", "result"},
	)

	inconsistentState = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "inconsistent_state_total",
			Help:      "Partially applied writes flagged for manual reconciliation.",
		},
		[]string{"operation"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "deliveries_total",
			Help:      "Best-effort notification deliveries by sender and result.",
		},
		[]string{"sender", "result"},
	)

	reconcileDrift = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "drift_users",
			Help:      "Users whose balance differs from the sum of completed transactions at the last run.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		l402Challenges,
		l402Verifications,
		lightningCalls,
		jobClaims,
		ledgerEntries,
		payouts,
		inconsistentState,
		notifications,
		reconcileDrift,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one handled HTTP request. path should be a route template.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// IncInFlight marks a request as started.
func IncInFlight() { httpInFlight.Inc() }

// DecInFlight marks a request as finished.
func DecInFlight() { httpInFlight.Dec() }

// RecordChallenge counts an issued 402 challenge.
func RecordChallenge() {
	l402Challenges.Inc()
}

// RecordVerification counts an L402 verification. result is "ok" or a failure reason.
func RecordVerification(result string) {
	l402Verifications.WithLabelValues(result).Inc()
}

// RecordLightningCall records the latency of a node call.
func RecordLightningCall(operation string, duration time.Duration, success bool) {
	lightningCalls.WithLabelValues(operation, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// RecordClaim counts a claim attempt.
func RecordClaim(result string) {
	jobClaims.WithLabelValues(result).Inc()
}

// RecordLedgerEntry counts a ledger application.
func RecordLedgerEntry(entryType, result string) {
	ledgerEntries.WithLabelValues(entryType, result).Inc()
}

// RecordPayout counts a payout attempt.
func RecordPayout(kind, result string) {
	payouts.WithLabelValues(kind, result).Inc()
}

// RecordInconsistentState counts a write flagged for manual reconciliation.
func RecordInconsistentState(operation string) {
	inconsistentState.WithLabelValues(operation).Inc()
}

// RecordNotification counts a notification delivery.
func RecordNotification(sender string, success bool) {
	result := "ok"
	if !success {
		result = "failed"
	}
	notifications.WithLabelValues(sender, result).Inc()
}

// SetReconcileDrift records the number of drifting balances found by the last run.
func SetReconcileDrift(users int) {
	reconcileDrift.Set(float64(users))
}
