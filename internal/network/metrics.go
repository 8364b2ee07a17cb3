package network

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	onlineGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "network",
		Name:      "online",
		Help:      "1 when the card network is reachable, 0 otherwise.",
	})

	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mercury",
		Subsystem: "network",
		Name:      "checks_total",
		Help:      "Reachability checks by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(onlineGauge, checksTotal)
}
