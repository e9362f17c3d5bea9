package snapshot

import "github.com/prometheus/client_golang/prometheus"

var (
	snapshotsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "created_total",
		Help:      "Tournament states archived to object storage.",
	})

	prunedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "snapshot",
		Name:      "history_pruned_total",
		Help:      "History rows deleted after archiving.",
	})
)

func init() {
	prometheus.MustRegister(snapshotsTotal, prunedTotal)
}
