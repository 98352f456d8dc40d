package observability

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Budget metrics
	tokensUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextguard_tokens_used",
			Help: "Live tokens charged against the session budget",
		},
	)

	tokensRemaining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextguard_tokens_remaining",
			Help: "Tokens remaining before the session ceiling",
		},
	)

	usageEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextguard_usage_events_total",
			Help: "Total number of usage events recorded",
		},
		[]string{"category"},
	)

	// Risk metrics
	riskLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "contextguard_risk_level",
			Help: "Latest risk level (0=low, 1=medium, 2=high, 3=critical)",
		},
	)

	// Recovery metrics
	recoveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextguard_recovery_attempts_total",
			Help: "Total number of recovery level attempts",
		},
		[]string{"level", "outcome"},
	)

	recoveryTokensSaved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextguard_recovery_tokens_saved_total",
			Help: "Tokens reclaimed by recovery levels",
		},
		[]string{"level"},
	)

	recoveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "contextguard_recovery_duration_seconds",
			Help:    "Recovery level duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 90},
		},
		[]string{"level"},
	)

	// Bundle metrics
	bundleOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "contextguard_bundle_operations_total",
			Help: "Total number of bundle operations",
		},
		[]string{"op", "status"},
	)

	bundleSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "contextguard_bundle_size_bytes",
			Help:    "Size of written bundles in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		},
	)

	bundlesQuarantined = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "contextguard_bundles_quarantined_total",
			Help: "Total number of bundles moved to quarantine",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			tokensUsed,
			tokensRemaining,
			usageEventsTotal,
			riskLevel,
			recoveryAttemptsTotal,
			recoveryTokensSaved,
			recoveryDuration,
			bundleOperationsTotal,
			bundleSize,
			bundlesQuarantined,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordUsageEvent counts a usage event by category
func RecordUsageEvent(category string) {
	usageEventsTotal.WithLabelValues(category).Inc()
}

// SetTokenGauges publishes the live session budget
func SetTokenGauges(used, remaining int64) {
	tokensUsed.Set(float64(used))
	tokensRemaining.Set(float64(remaining))
}

// SetRiskLevel publishes the ordinal of the latest risk level
func SetRiskLevel(ordinal int) {
	riskLevel.Set(float64(ordinal))
}

// RecordRecoveryAttempt records one recovery level attempt
func RecordRecoveryAttempt(level int, success bool, saved int64, duration time.Duration) {
	l := strconv.Itoa(level)
	outcome := "failure"
	if success {
		outcome = "success"
	}
	recoveryAttemptsTotal.WithLabelValues(l, outcome).Inc()
	if saved > 0 {
		recoveryTokensSaved.WithLabelValues(l).Add(float64(saved))
	}
	recoveryDuration.WithLabelValues(l).Observe(duration.Seconds())
}

// RecordBundleOperation records a bundle save, load, repair or sweep
func RecordBundleOperation(op, status string) {
	bundleOperationsTotal.WithLabelValues(op, status).Inc()
}

// RecordBundleSize records the stored size of a bundle
func RecordBundleSize(bytes int) {
	bundleSize.Observe(float64(bytes))
}

// RecordQuarantine counts a bundle moved to quarantine
func RecordQuarantine() {
	bundlesQuarantined.Inc()
}
