package flowgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
)

const metricsNamespace = "flowgate"

// clientMetrics are the collectors of one registerer. Clients sharing a
// registerer share the collectors.
type clientMetrics struct {
	calls     *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	retries   *prometheus.CounterVec
	responses *prometheus.CounterVec
}

func newClientMetrics(reg prometheus.Registerer) (*clientMetrics, error) {
	m := &clientMetrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "calls_total",
			Help:      "Client calls by method and outcome kind.",
		}, []string{"call", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "call_duration_seconds",
			Help:      "Client call latency including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"call"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "retries_total",
			Help:      "Requests resent after a transient failure.",
		}, []string{"endpoint"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "client",
			Name:      "responses_total",
			Help:      "Responses handed to callbacks by endpoint and status.",
		}, []string{"endpoint", "status"}),
	}
	for _, err := range []error{
		registerOrReuse(reg, &m.calls),
		registerOrReuse(reg, &m.latency),
		registerOrReuse(reg, &m.retries),
		registerOrReuse(reg, &m.responses),
	} {
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}

// registerOrReuse registers c, or points it at the collector already
// registered under the same descriptor.
func registerOrReuse[T prometheus.Collector](reg prometheus.Registerer, c *T) error {
	err := reg.Register(*c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if !errors.As(err, &are) {
		return fmt.Errorf("flowgate: register metric: %w", err)
	}
	existing, ok := are.ExistingCollector.(T)
	if !ok {
		return fmt.Errorf("flowgate: metric already registered with incompatible type: %T", are.ExistingCollector)
	}
	*c = existing
	return nil
}

// observer reports client activity to an optional slog logger and optional
// prometheus collectors. A nil observer is silent.
type observer struct {
	logger  *slog.Logger
	metrics *clientMetrics
}

func newObserver(logger *slog.Logger, reg prometheus.Registerer) (*observer, error) {
	o := &observer{logger: logger}
	if reg != nil {
		m, err := newClientMetrics(reg)
		if err != nil {
			return nil, err
		}
		o.metrics = m
	}
	return o, nil
}

// outcome labels err by its failure kind.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return rpc.Classify(context.Background(), err).String()
}

func (o *observer) observe(call string, start time.Time, err error) {
	if o == nil {
		return
	}
	elapsed := time.Since(start)
	if o.metrics != nil {
		o.metrics.calls.WithLabelValues(call, outcome(err)).Inc()
		o.metrics.latency.WithLabelValues(call).Observe(elapsed.Seconds())
	}
	if o.logger == nil {
		return
	}
	if err != nil {
		o.logger.Warn("call failed", "call", call, "outcome", outcome(err), "elapsed", elapsed, "error", err)
		return
	}
	o.logger.Debug("call completed", "call", call, "elapsed", elapsed)
}

func (o *observer) retry(endpoint, requestID string, attempt int, err error) {
	if o == nil {
		return
	}
	if o.metrics != nil {
		o.metrics.retries.WithLabelValues(endpoint).Inc()
	}
	if o.logger != nil {
		o.logger.Info("retrying request",
			"endpoint", endpoint,
			"request_id", requestID,
			"attempt", attempt,
			"error", err,
		)
	}
}

func (o *observer) response(endpoint string, resp *Response) {
	if o == nil || o.metrics == nil {
		return
	}
	status := "ok"
	if resp.HasError() {
		status = "error"
	}
	o.metrics.responses.WithLabelValues(endpoint, status).Inc()
}

// skipped logs a request given up under ContinueOnError.
func (o *observer) skipped(endpoint string, err error) {
	if o == nil || o.logger == nil {
		return
	}
	o.logger.Warn("request failed, continuing", "endpoint", endpoint, "error", err)
}
