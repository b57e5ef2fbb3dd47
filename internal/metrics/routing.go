package metrics

import "github.com/prometheus/client_golang/prometheus"

// Routing engine Prometheus metrics.
var (
	RoutingExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "executions_total",
			Help:      "Graph executions by exec endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	RoutingNodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "node_duration_seconds",
			Help:      "Time spent in one node hop, including transport",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"node"},
	)

	RoutingInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "in_flight_executions",
			Help:      "Graph executions currently holding per-request state",
		},
	)
)

var routingMetricsRegistered bool

// RegisterRoutingMetrics registers routing engine metrics. Must be called once from main.
func RegisterRoutingMetrics() {
	if routingMetricsRegistered {
		return
	}
	prometheus.MustRegister(RoutingExecutionsTotal)
	prometheus.MustRegister(RoutingNodeDuration)
	prometheus.MustRegister(RoutingInFlight)
	routingMetricsRegistered = true
}
