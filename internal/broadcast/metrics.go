package broadcast

import "github.com/prometheus/client_golang/prometheus"

var (
	published = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "published_total",
		Help:      "Push events published.",
	})

	publishFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "publish_failures_total",
		Help:      "Redis publish attempts that failed and were retried.",
	})

	duplicatesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "broadcast",
		Name:      "duplicates_dropped_total",
		Help:      "Relayed messages dropped because the tournament version was already delivered.",
	})

	relayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "broadcast",
		Name:      "enqueue_to_send_seconds",
		Help:      "Observed latency between publish and delivery to websocket clients.",
		Buckets:   prometheus.LinearBuckets(0.005, 0.005, 12),
	})
)

func init() {
	prometheus.MustRegister(published, publishFailures, duplicatesDropped, relayLatency)
}
