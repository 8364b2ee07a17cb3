package offline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	authorizationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mercury",
		Subsystem: "offline",
		Name:      "authorizations_total",
		Help:      "Offline authorization attempts by method and result.",
	}, []string{"method", "result"}) // result: authorized, declined

	capturesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mercury",
		Subsystem: "offline",
		Name:      "captures_total",
		Help:      "Online capture attempts for offline payments by result.",
	}, []string{"result"}) // result: completed, failed

	pendingCaptures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mercury",
		Subsystem: "offline",
		Name:      "pending_captures",
		Help:      "Offline card payments awaiting online capture.",
	})
)

func init() {
	prometheus.MustRegister(
		authorizationsTotal,
		capturesTotal,
		pendingCaptures,
	)
}
