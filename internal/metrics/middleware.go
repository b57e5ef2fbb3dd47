package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Gateway HTTP request latency by route",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "class"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Gateway HTTP requests by route and status class",
		},
		[]string{"method", "route", "class"},
	)

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_in_flight",
		Help:      "Gateway HTTP requests currently being served",
	})

	httpPostedDocs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "posted_documents",
			Help:      "Documents per POST request by exec endpoint",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"endpoint"},
	)
)

var registerHTTP sync.Once

// RegisterHTTPMetrics registers the gateway HTTP collectors. Repeated calls are no-ops.
func RegisterHTTPMetrics() {
	registerHTTP.Do(func() {
		prometheus.MustRegister(httpRequestDuration, httpRequestsTotal, httpInFlight, httpPostedDocs)
	})
}

// Handler exposes the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePostedDocs records the batch size of a POST for endpoint.
func ObservePostedDocs(endpoint string, n int) {
	httpPostedDocs.WithLabelValues(endpoint).Observe(float64(n))
}

// Middleware records latency, count and concurrency of HTTP requests. The
// route label is the matched chi pattern, so ids in paths never leak into it.
func Middleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			httpInFlight.Inc()
			defer httpInFlight.Dec()

			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := routeLabel(chi.RouteContext(r.Context()))
			class := statusClass(ww.Status())
			httpRequestDuration.WithLabelValues(r.Method, route, class).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(r.Method, route, class).Inc()
		})
	}
}

func routeLabel(rc *chi.Context) string {
	if rc == nil || rc.RoutePattern() == "" {
		return "unmatched"
	}
	return rc.RoutePattern()
}

// statusClass folds a status code into 2xx..5xx. Handlers that never write
// report 0 through WrapResponseWriter and count as 2xx.
func statusClass(code int) string {
	if code == 0 {
		code = http.StatusOK
	}
	return strconv.Itoa(code/100) + "xx"
}
