package syncstate

import "github.com/prometheus/client_golang/prometheus"

var (
	commitsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "commits_total",
		Help:      "Commit attempts by outcome.",
	}, []string{"outcome"})

	pushEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "push_events_total",
		Help:      "Push events received, split into applied and stale.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(commitsTotal, pushEventsTotal)
}
