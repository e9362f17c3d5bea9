package playback

import "github.com/prometheus/client_golang/prometheus"

var playbackRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "playback",
	Name:      "requests_total",
	Help:      "Historic state reads by the tier that served them.",
}, []string{"source"})

func init() {
	prometheus.MustRegister(playbackRequests)
}
