package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	EventsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookfox_events_published_total",
			Help: "Total number of domain events published for fan-out.",
		},
	)

	DeliveriesEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hookfox_deliveries_enqueued_total",
			Help: "Total number of delivery events enqueued.",
		},
	)

	DeliveryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookfox_delivery_attempts_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // delivered, failed, retry_scheduled
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookfox_retries_total",
			Help: "Total number of scheduled delivery retries by reason.",
		},
		[]string{"reason"}, // timeout, connection_failed, http_5xx, http_429, http_4xx, other
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hookfox_scheduler_runs_total",
			Help: "Total number of scheduler runs by job and result.",
		},
		[]string{"job", "result"},
	)
)

// MustRegister attaches all collectors to the given registry.
func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesEnqueuedTotal,
		DeliveryAttemptsTotal,
		RetriesTotal,
		SchedulerRunsTotal,
	)
}
