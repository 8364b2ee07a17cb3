package terminal

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	terminalsRegistered = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "terminal",
		Name:      "registered",
		Help:      "Number of terminals in the runtime registry.",
	})

	terminalsHealthy = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "terminal",
		Name:      "healthy",
		Help:      "Number of terminals healthy as of the last sweep.",
	})

	healthChecksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mercury",
		Subsystem: "terminal",
		Name:      "health_checks_total",
		Help:      "Total terminal health checks by result.",
	}, []string{"result"}) // "healthy", "unhealthy"
)

func init() {
	prometheus.MustRegister(
		terminalsRegistered,
		terminalsHealthy,
		healthChecksTotal,
	)
}
