package ws

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayUpgradeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Name:      "upgrade_seconds",
		Help:      "Latency spent resolving the tournament and upgrading to WebSocket.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"tournament"})

	gatewayConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "connections",
		Help:      "Active WebSocket watchers per tournament.",
	}, []string{"tournament"})

	gatewaySendQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Name:      "send_queue_depth",
		Help:      "Buffered outbound frames per tournament.",
	}, []string{"tournament"})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(gatewayUpgradeLatency, gatewayConnections, gatewaySendQueueDepth)
	})
}
