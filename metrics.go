package conveyor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	messagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_messages_processed_total",
			Help: "Total number of queue messages processed to a reply status",
		},
		[]string{"queue", "status"},
	)

	messagesNakkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_messages_nakked_total",
			Help: "Total number of deliveries nakked for redelivery",
		},
		[]string{"queue", "reason"},
	)

	messageProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conveyor_message_processing_duration_seconds",
			Help:    "Message processing duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"queue"},
	)

	idempotencyHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_idempotency_hits_total",
			Help: "Total number of requests answered from the results table",
		},
	)

	outboxPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_outbox_published_total",
			Help: "Total number of outbox rows published to the bus",
		},
		[]string{"source"},
	)

	outboxPublishFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conveyor_outbox_publish_failures_total",
			Help: "Total number of outbox publish attempts that failed",
		},
		[]string{"source"},
	)

	resultsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_results_reaped_total",
			Help: "Total number of expired result rows deleted",
		},
	)

	repliesMatchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_replies_matched_total",
			Help: "Total number of replies matched to a pending request",
		},
	)

	repliesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "conveyor_replies_dropped_total",
			Help: "Total number of replies with no pending request (late arrivals)",
		},
	)

	deliveriesInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conveyor_deliveries_in_flight",
			Help: "Number of deliveries currently inside the handler pipeline",
		},
		[]string{"queue"},
	)
)

// Outbox publish sources.
const (
	publishFastPath   = "fast_path"
	publishDispatcher = "dispatcher"
	publishReplay     = "replay"
)

func recordProcessed(queue string, status int, start time.Time) {
	messagesProcessedTotal.WithLabelValues(queue, strconv.Itoa(status)).Inc()
	messageProcessingDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
}

func recordNak(queue, reason string) {
	messagesNakkedTotal.WithLabelValues(queue, reason).Inc()
}

func recordOutboxPublish(source string, ok bool) {
	if ok {
		outboxPublishedTotal.WithLabelValues(source).Inc()
	} else {
		outboxPublishFailuresTotal.WithLabelValues(source).Inc()
	}
}

// MetricsHandler returns the Prometheus scrape handler for hosts that want
// to expose framework metrics alongside their own.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
