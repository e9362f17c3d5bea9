package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	casLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "store",
		Name:      "cas_seconds",
		Help:      "Latency of version-guarded writes.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"tournament"})

	casTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "cas_total",
		Help:      "Compare-and-set attempts by outcome.",
	}, []string{"outcome"})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "transient_retries_total",
		Help:      "Transactions retried after a transient Postgres failure.",
	})

	pushFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "store",
		Name:      "push_failures_total",
		Help:      "Committed writes whose push notification failed or timed out.",
	})

	storeTracer = otel.Tracer("github.com/example/volley-sync/storage")
)

func init() {
	prometheus.MustRegister(casLatency, casTotal, retriesTotal, pushFailures)
}
