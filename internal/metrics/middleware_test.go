package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/endpoints/{deployment}", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	req := httptest.NewRequest(http.MethodGet, "/endpoints/encoder", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/endpoints/{deployment}", "2xx"))
	if val < 1 {
		t.Errorf("expected requests_total >= 1 for the route pattern, got %f", val)
	}
	if testutil.CollectAndCount(httpRequestDuration) == 0 {
		t.Error("expected request_duration_seconds to have observations")
	}
	if v := testutil.ToFloat64(httpInFlight); v != 0 {
		t.Errorf("expected no requests in flight after completion, got %f", v)
	}
}

func TestMiddleware_StatusClasses(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Post("/post", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadGateway) })
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusServiceUnavailable) })
	r.Get("/endpoints", func(http.ResponseWriter, *http.Request) {})

	tests := []struct {
		method, path, class string
	}{
		{"POST", "/post", "5xx"},
		{"GET", "/health", "5xx"},
		{"GET", "/endpoints", "2xx"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(tc.method, tc.path, http.NoBody))

			if v := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(tc.method, tc.path, tc.class)); v < 1 {
				t.Errorf("expected counter for %s %s >= 1, got %f", tc.path, tc.class, v)
			}
		})
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/health", func(http.ResponseWriter, *http.Request) {})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope/123", http.NoBody))

	if v := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "unmatched", "4xx")); v < 1 {
		t.Errorf("expected unmatched 4xx counter >= 1, got %f", v)
	}
}

func TestStatusClass(t *testing.T) {
	for code, want := range map[int]string{0: "2xx", 200: "2xx", 204: "2xx", 401: "4xx", 499: "4xx", 502: "5xx"} {
		if got := statusClass(code); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestObservePostedDocs(t *testing.T) {
	ObservePostedDocs("/index", 3)
	ObservePostedDocs("/index", 40)
	if n := testutil.CollectAndCount(httpPostedDocs); n == 0 {
		t.Error("expected posted_documents observations")
	}
}

func TestUnaryServerInterceptor_RecordsCode(t *testing.T) {
	icpt := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/flowgate.Worker/ProcessSingleData"}

	_, _ = icpt(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return nil, status.Error(codes.Unavailable, "down")
	})
	_, _ = icpt(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})

	if v := testutil.ToFloat64(rpcHandledTotal.WithLabelValues(info.FullMethod, "Unavailable")); v < 1 {
		t.Errorf("expected Unavailable counter >= 1, got %f", v)
	}
	if v := testutil.ToFloat64(rpcHandledTotal.WithLabelValues(info.FullMethod, "OK")); v < 1 {
		t.Errorf("expected OK counter >= 1, got %f", v)
	}
}

func TestStreamServerInterceptor_PassesError(t *testing.T) {
	want := errors.New("stream broke")
	icpt := StreamServerInterceptor()
	err := icpt(nil, nil, &grpc.StreamServerInfo{FullMethod: "/flowgate.Worker/Call"}, func(any, grpc.ServerStream) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestHandler_ServesRegisteredMetrics(t *testing.T) {
	RegisterHTTPMetrics()
	RegisterHTTPMetrics() // idempotent

	PoolSendsTotal.WithLabelValues("probe", "ok").Inc()
	RegisterPoolMetrics()

	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "flowgate_pool_sends_total") {
		t.Error("expected pool metrics in exposition")
	}
}
