package runner

import "github.com/prometheus/client_golang/prometheus"

var (
	spawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexllama",
			Subsystem: "runner",
			Name:      "spawns_total",
			Help:      "Total child process spawns per runner",
		},
		[]string{"runner"},
	)

	swapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "flexllama",
			Subsystem: "runner",
			Name:      "swaps_total",
			Help:      "Total model swaps (process stops that precede a new load)",
		},
		[]string{"runner"},
	)

	inFlightGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "flexllama",
			Subsystem: "runner",
			Name:      "inflight_requests",
			Help:      "Requests currently forwarded to a runner",
		},
		[]string{"runner"},
	)
)

func init() {
	prometheus.MustRegister(spawnsTotal, swapsTotal, inFlightGauge)
}
