// Package chi exposes the gateway over HTTP: POST /post mirrors the
// ProcessSingleData RPC, next to endpoint discovery, health and metrics.
package chi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	logpkg "github.com/kailas-cloud/flowgate/internal/logger"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	healthuc "github.com/kailas-cloud/flowgate/internal/usecase/health"
)

const (
	defaultMaxBodyBytes = 64 << 20
	// statusClientClosedRequest is the de-facto code for requests the caller abandoned.
	statusClientClosedRequest = 499
)

// ErrorCode is the machine-readable code of an error response.
type ErrorCode string

// Error codes.
const (
	CodeBadRequest       ErrorCode = "bad_request"
	CodeUnauthorized     ErrorCode = "unauthorized"
	CodeUnavailable      ErrorCode = "unavailable"
	CodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	CodeCancelled        ErrorCode = "cancelled"
	CodeUpstream         ErrorCode = "upstream_error"
	CodeInternal         ErrorCode = "internal_error"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Deployment string    `json:"deployment,omitempty"`
	Status     string    `json:"status,omitempty"`
}

// EndpointsResponse lists the exec endpoints the graph serves.
type EndpointsResponse struct {
	Endpoints []string `json:"endpoints"`
}

// HealthResponse mirrors a health report.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Executor runs requests through the routing graph.
type Executor interface {
	Execute(ctx context.Context, req *request.Request) (*request.Response, error)
	Endpoints(ctx context.Context) ([]string, error)
}

// HealthChecker reports component health.
type HealthChecker interface {
	Check(ctx context.Context) healthuc.Report
}

// Server implements the gateway HTTP handlers.
type Server struct {
	engine       Executor
	health       HealthChecker
	logger       *zap.Logger
	maxBodyBytes int64
}

// NewServer creates an HTTP gateway server.
func NewServer(engine Executor, health HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, health: health, logger: logger, maxBodyBytes: defaultMaxBodyBytes}
}

// WithMaxBodyBytes bounds the size of POST /post bodies.
func (s *Server) WithMaxBodyBytes(n int64) *Server {
	if n > 0 {
		s.maxBodyBytes = n
	}
	return s
}

// Post handles POST /post. The optional ?timeout= query parameter
// (a Go duration) bounds the whole graph execution.
func (s *Server) Post(w http.ResponseWriter, r *http.Request) {
	var req request.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Header.ExecEndpoint == "" {
		writeError(w, http.StatusBadRequest, CodeBadRequest, "header.exec_endpoint is required")
		return
	}
	if req.Header.RequestID == "" {
		req.Header.RequestID = uuid.NewString()
	}

	ctx := r.Context()
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "timeout must be a positive duration")
			return
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	ctx = logpkg.WithRequest(ctx, req.Header.RequestID, req.Header.ExecEndpoint)
	logpkg.FromContext(ctx).Debug("post", zap.Int("docs", len(req.Docs)))
	metrics.ObservePostedDocs(req.Header.ExecEndpoint, len(req.Docs))

	resp, err := s.engine.Execute(ctx, &req)
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Endpoints handles GET /endpoints.
func (s *Server) Endpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.engine.Endpoints(r.Context())
	if err != nil {
		s.handleDomainError(w, r, err)
		return
	}
	if eps == nil {
		eps = []string{}
	}
	writeJSON(w, http.StatusOK, EndpointsResponse{Endpoints: eps})
}

// HealthCheck handles GET /health.
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	report := s.health.Check(r.Context())

	checks := make(map[string]string, len(report.Checks))
	for k, v := range report.Checks {
		checks[k] = string(v)
	}

	httpStatus := http.StatusOK
	if report.Status != healthuc.Healthy {
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, HealthResponse{Status: string(report.Status), Checks: checks})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Code: code, Message: message})
}

// handleDomainError maps a failure kind to an HTTP status. Messages of
// programmer and unknown failures are not exposed.
func (s *Server) handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	log := logpkg.FromContext(r.Context())

	var de *domain.Error
	if !errors.As(err, &de) {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			de = domain.NewError(domain.KindDeadlineExceeded, "", err)
		case errors.Is(err, context.Canceled):
			de = domain.NewError(domain.KindCancelledByClient, "", err)
		default:
			log.Error("internal error", zap.Error(err))
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
			return
		}
	}

	status, code := http.StatusInternalServerError, CodeInternal
	switch de.Kind {
	case domain.KindProtocol:
		status, code = http.StatusBadRequest, CodeBadRequest
		if de.Deployment != "" {
			status, code = http.StatusBadGateway, CodeUpstream
		}
	case domain.KindTransient:
		status, code = http.StatusServiceUnavailable, CodeUnavailable
	case domain.KindDeadlineExceeded:
		status, code = http.StatusGatewayTimeout, CodeDeadlineExceeded
	case domain.KindCancelledByClient:
		status, code = statusClientClosedRequest, CodeCancelled
	case domain.KindUpstream, domain.KindNonRetriableTransport:
		status, code = http.StatusBadGateway, CodeUpstream
	}

	if code == CodeInternal {
		log.Error("internal error", zap.Error(err))
		writeError(w, status, code, "internal error")
		return
	}
	log.Warn("request failed", zap.Error(err))
	writeJSON(w, status, ErrorResponse{
		Code:       code,
		Message:    de.Error(),
		Deployment: de.Deployment,
		Status:     de.Status,
	})
}
