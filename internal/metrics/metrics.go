package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bookpay"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by endpoint.",
		},
		[]string{"endpoint"},
	)

	webhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Processed webhook events by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	webhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_seconds",
			Help:      "Time spent handling a single webhook event.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking state transitions.",
		},
		[]string{"from", "to"},
	)

	refundCents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refunded_cents_total",
			Help:      "Cents returned to customers.",
		},
	)

	taskResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_tasks_total",
			Help:      "Outbound processor tasks by type and result.",
		},
		[]string{"type", "result"},
	)

	reconciliationMismatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciliation_mismatches",
			Help:      "Bookings whose amounts disagree after the last reconciliation run.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			webhookEvents,
			webhookDuration,
			transitions,
			refundCents,
			taskResults,
			reconciliationMismatches,
		)
	})
}

// IncHTTP increments the counter for an endpoint label.
func IncHTTP(endpoint string) {
	httpRequests.WithLabelValues(endpoint).Inc()
}

func ObserveWebhook(eventType, outcome string, seconds float64) {
	webhookEvents.WithLabelValues(eventType, outcome).Inc()
	webhookDuration.Observe(seconds)
}

func IncTransition(from, to string) {
	transitions.WithLabelValues(from, to).Inc()
}

func AddRefunded(cents int64) {
	if cents > 0 {
		refundCents.Add(float64(cents))
	}
}

func IncTask(taskType, result string) {
	taskResults.WithLabelValues(taskType, result).Inc()
}

func SetReconciliationMismatches(n int) {
	reconciliationMismatches.Set(float64(n))
}
