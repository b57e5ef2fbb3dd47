package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

const namespace = "flowgate"

var (
	rpcHandledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_handled_total",
			Help:      "gRPC calls completed by the server, by method and code",
		},
		[]string{"method", "code"},
	)

	rpcHandlingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_handling_seconds",
			Help:      "gRPC server handling latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method"},
	)
)

var rpcMetricsRegistered bool

// RegisterRPCMetrics registers gRPC server metrics. Must be called once from main.
func RegisterRPCMetrics() {
	if rpcMetricsRegistered {
		return
	}
	prometheus.MustRegister(rpcHandledTotal)
	prometheus.MustRegister(rpcHandlingDuration)
	rpcMetricsRegistered = true
}

// UnaryServerInterceptor records handled unary calls.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeRPC(info.FullMethod, start, err)
		return resp, err
	}
}

// StreamServerInterceptor records handled streams.
func StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		observeRPC(info.FullMethod, start, err)
		return err
	}
}

func observeRPC(method string, start time.Time, err error) {
	rpcHandledTotal.WithLabelValues(method, status.Code(err).String()).Inc()
	rpcHandlingDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
