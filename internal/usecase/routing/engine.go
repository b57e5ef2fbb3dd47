package routing

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// Execution outcomes used as metric labels.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeCancelled = "cancelled"
	OutcomeDeadline  = "deadline"
)

// discoveryRetry is how long a failed endpoint discovery is remembered
// before the deployment is asked again.
const discoveryRetry = 5 * time.Second

// Option customises an Engine.
type Option func(*Engine)

// WithClock replaces time.Now for route timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine executes requests against a Graph. It is safe for concurrent use;
// every call to Execute has its own state.
type Engine struct {
	graph  *Graph
	sender Sender
	logger *zap.Logger
	now    func() time.Time

	mu sync.Mutex
	// endpoints caches discovery per deployment; a nil set means the
	// deployment does not support discovery and serves every endpoint.
	endpoints map[string]map[string]struct{}
	// failedUntil suppresses discovery of deployments that recently failed it.
	failedUntil map[string]time.Time

	inflight atomic.Int64
}

// NewEngine creates an Engine sending through sender.
func NewEngine(g *Graph, sender Sender, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		graph:       g,
		sender:      sender,
		logger:      logger,
		now:         time.Now,
		endpoints:   make(map[string]map[string]struct{}),
		failedUntil: make(map[string]time.Time),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Graph returns the engine's graph.
func (e *Engine) Graph() *Graph { return e.graph }

// InFlight returns the number of executions currently running.
func (e *Engine) InFlight() int64 { return e.inflight.Load() }

// Execute walks req through the graph and returns the merged output of all
// terminal nodes. Any failure aborts the whole request and cancels its
// in-flight sub-requests; no partial response is returned.
func (e *Engine) Execute(ctx context.Context, req *request.Request) (*request.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, domain.NewError(domain.KindProtocol, "", err)
	}
	var target *regexp.Regexp
	if expr := req.Header.TargetExecutor; expr != "" {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, domain.NewError(domain.KindProtocol, "", fmt.Errorf("target_executor: %w", err))
		}
		target = re
	}

	e.inflight.Add(1)
	metrics.RoutingInFlight.Inc()
	defer func() {
		e.inflight.Add(-1)
		metrics.RoutingInFlight.Dec()
	}()

	start := time.Now()
	x := newExecution(e, req, target)
	resp, err := x.run(ctx)

	outcome := outcomeOf(err)
	metrics.RoutingExecutionsTotal.WithLabelValues(req.Header.ExecEndpoint, outcome).Inc()
	log := e.logger.With(
		zap.String("request_id", req.Header.RequestID),
		zap.String("endpoint", req.Header.ExecEndpoint),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	)
	if err != nil && outcome == OutcomeError {
		log.Warn("request failed", zap.Error(err))
	} else {
		log.Debug("request done")
	}
	return resp, err
}

// Endpoints returns the union of exec endpoints served by the graph's
// deployments. Deployments that fail discovery are skipped.
func (e *Engine) Endpoints(ctx context.Context) ([]string, error) {
	all := make(map[string]struct{})
	for _, n := range e.graph.Nodes() {
		eps, ok := e.discovered(ctx, n)
		if !ok {
			continue
		}
		maps.Copy(all, eps)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(all)), nil
}

// ForgetEndpoints drops the cached discovery of deployment, including a
// remembered failure.
func (e *Engine) ForgetEndpoints(deployment string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.endpoints, deployment)
	delete(e.failedUntil, deployment)
}

// serves reports whether n handles endpoint. Unknown discovery results
// count as serving.
func (e *Engine) serves(ctx context.Context, n *Node, endpoint string) bool {
	eps, ok := e.discovered(ctx, n)
	if !ok {
		return true
	}
	_, exact := eps[endpoint]
	_, fallback := eps[request.DefaultEndpoint]
	return exact || fallback
}

func (e *Engine) discovered(ctx context.Context, n *Node) (map[string]struct{}, bool) {
	e.mu.Lock()
	eps, cached := e.endpoints[n.Name]
	retryAt, failed := e.failedUntil[n.Name]
	e.mu.Unlock()
	if cached {
		return eps, eps != nil
	}
	if failed && e.now().Before(retryAt) {
		return nil, false
	}

	var opts []pool.TargetOption
	if n.Head {
		opts = append(opts, pool.Head())
	}
	list, err := e.sender.SendDiscoverEndpoint(ctx, n.Name, opts...)
	if err != nil {
		if status.Code(err) == codes.Unimplemented {
			e.mu.Lock()
			e.endpoints[n.Name] = nil
			e.mu.Unlock()
		} else if ctx.Err() == nil {
			e.mu.Lock()
			e.failedUntil[n.Name] = e.now().Add(discoveryRetry)
			e.mu.Unlock()
			e.logger.Debug("endpoint discovery failed", zap.String("deployment", n.Name), zap.Error(err))
		}
		return nil, false
	}

	set := make(map[string]struct{}, len(list))
	for _, ep := range list {
		set[ep] = struct{}{}
	}
	e.mu.Lock()
	e.endpoints[n.Name] = set
	delete(e.failedUntil, n.Name)
	e.mu.Unlock()
	return set, true
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case domain.KindOf(err) == domain.KindCancelledByClient:
		return OutcomeCancelled
	case domain.KindOf(err) == domain.KindDeadlineExceeded:
		return OutcomeDeadline
	default:
		return OutcomeError
	}
}

func contextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.KindDeadlineExceeded, "", err)
	}
	return domain.NewError(domain.KindCancelledByClient, "", err)
}

// Process lets the engine serve the worker RPC surface of a gateway.
func (e *Engine) Process(ctx context.Context, req *request.Request) (*request.Response, error) {
	return e.Execute(ctx, req)
}
