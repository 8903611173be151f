package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Billing authority calls
	BillingRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_billing_requests_total",
			Help: "Total number of billing authority calls",
		},
		[]string{"op", "outcome"}, // op: inlet|outlet, outcome: ok|unauthorized|declined|unreachable
	)

	BillingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "usage_meter_billing_request_duration_seconds",
			Help:    "Billing authority call duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"op"},
	)

	// Usage ledger
	LedgerOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_ledger_operations_total",
			Help: "Total number of usage ledger reads and writes",
		},
		[]string{"backend", "op", "outcome"}, // outcome: ok|not_found|error
	)

	// Usage query action
	UsageQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_meter_usage_queries_total",
			Help: "Total number of usage queries by outcome",
		},
		[]string{"outcome"},
	)
)

// MustRegister registers all collectors with reg.
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		BillingRequests,
		BillingDuration,
		LedgerOperations,
		UsageQueries,
	)
}

// Handler returns the scrape endpoint for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBillingCall records the outcome and latency of one billing call.
func RecordBillingCall(op, outcome string, started time.Time) {
	BillingRequests.WithLabelValues(op, outcome).Inc()
	BillingDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// RecordLedgerOp records one ledger read or write.
func RecordLedgerOp(backend, op, outcome string) {
	LedgerOperations.WithLabelValues(backend, op, outcome).Inc()
}
