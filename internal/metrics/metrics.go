package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	IssuesPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newscourier_issues_published_total",
			Help: "Total number of newsletter issues published.",
		},
	)

	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newscourier_tasks_enqueued_total",
			Help: "Total number of delivery tasks enqueued at issuance.",
		},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newscourier_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // succeeded, retried, terminal
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newscourier_retries_total",
			Help: "Total number of delivery retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network
	)

	DeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newscourier_dead_letter_total",
			Help: "Total number of delivery tasks that went terminal.",
		},
	)

	StaleReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "newscourier_stale_reclaimed_total",
			Help: "Total number of in-progress tasks returned to pending by the sweeper.",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "newscourier_queue_depth",
			Help: "Number of pending delivery tasks.",
		},
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "newscourier_send_latency_seconds",
			Help:    "Mail gateway send latency.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// RecordDelivery counts one delivery attempt outcome.
func RecordDelivery(outcome string) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
}

// RecordRetry counts one retry by failure reason.
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordDeadLetter counts one task going terminal.
func RecordDeadLetter() {
	DeadLetterTotal.Inc()
}

// RecordStaleReclaimed counts tasks returned to pending by the sweeper.
func RecordStaleReclaimed(n int) {
	StaleReclaimedTotal.Add(float64(n))
}

// ObserveSendLatency records one mail gateway round trip.
func ObserveSendLatency(seconds float64) {
	SendLatency.Observe(seconds)
}

// UpdateQueueDepth sets the pending-task gauge.
func UpdateQueueDepth(depth float64) {
	QueueDepth.Set(depth)
}

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		IssuesPublishedTotal,
		TasksEnqueuedTotal,
		DeliveriesTotal,
		RetriesTotal,
		DeadLetterTotal,
		StaleReclaimedTotal,
		QueueDepth,
		SendLatency,
	)
}
