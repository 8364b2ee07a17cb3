package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pendingOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "queue",
		Name:      "pending_operations",
		Help:      "Operations waiting to be processed.",
	})

	failedOperations = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "queue",
		Name:      "failed_operations",
		Help:      "Operations that exhausted their attempts.",
	})

	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mercury",
		Subsystem: "queue",
		Name:      "operations_total",
		Help:      "Operation outcomes by type and result.",
	}, []string{"type", "result"}) // result: completed, retried, failed
)

func init() {
	prometheus.MustRegister(
		pendingOperations,
		failedOperations,
		operationsTotal,
	)
}
