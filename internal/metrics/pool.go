package metrics

import "github.com/prometheus/client_golang/prometheus"

// Connection pool Prometheus metrics.
var (
	PoolSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "sends_total",
			Help:      "Requests sent through the connection pool",
		},
		[]string{"deployment", "status"},
	)

	PoolSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "send_duration_seconds",
			Help:      "Latency of a single send to one endpoint",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"deployment"},
	)

	PoolChannels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "channels",
			Help:      "Channels by state",
		},
		[]string{"state"},
	)

	PoolHealthProbeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "health_probe_failures_total",
			Help:      "Failed health probes by endpoint address",
		},
		[]string{"address"},
	)
)

var poolMetricsRegistered bool

// RegisterPoolMetrics registers connection pool metrics. Must be called once from main.
func RegisterPoolMetrics() {
	if poolMetricsRegistered {
		return
	}
	prometheus.MustRegister(PoolSendsTotal)
	prometheus.MustRegister(PoolSendDuration)
	prometheus.MustRegister(PoolChannels)
	prometheus.MustRegister(PoolHealthProbeFailures)
	poolMetricsRegistered = true
}
