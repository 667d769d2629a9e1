package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChargesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charges_total",
			Help: "Number of completed charges by transaction type",
		},
		[]string{"type"},
	)

	ChargedCentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_charged_cents_total",
			Help: "Total cents charged by transaction type",
		},
		[]string{"type"},
	)

	TeardownsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_teardowns_total",
			Help: "Number of servers destroyed for insufficient funds",
		},
	)

	SweepDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billing_sweep_duration_seconds",
			Help:    "Duration of billing sweeps",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	SweepErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_sweep_errors_total",
			Help: "Per-resource errors during billing sweeps",
		},
		[]string{"job"},
	)

	DepositedCentsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billing_deposited_cents_total",
			Help: "Total cents credited through deposits",
		},
	)

	MetricSamplesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "collector_metric_samples_total",
			Help: "Number of server metric samples collected",
		},
	)
)

// RecordCharge records a completed charge for a transaction type.
// Amount is the absolute charge in cents.
func RecordCharge(txType string, cents int64) {
	ChargesTotal.WithLabelValues(txType).Inc()
	ChargedCentsTotal.WithLabelValues(txType).Add(float64(cents))
}

// RecordTeardown records an insufficient-funds server teardown.
func RecordTeardown() {
	TeardownsTotal.Inc()
}

// RecordSweep records the duration of one billing sweep.
func RecordSweep(job string, d time.Duration) {
	SweepDurationSeconds.WithLabelValues(job).Observe(d.Seconds())
}

// RecordSweepError records a contained per-resource failure in a sweep.
func RecordSweepError(job string) {
	SweepErrorsTotal.WithLabelValues(job).Inc()
}

// RecordDeposit records a completed balance deposit.
func RecordDeposit(cents int64) {
	DepositedCentsTotal.Add(float64(cents))
}
