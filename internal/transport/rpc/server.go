package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/logger"
	"github.com/kailas-cloud/flowgate/internal/metrics"
)

// Handler serves the worker protocol for one deployment, head or gateway.
type Handler interface {
	Process(ctx context.Context, req *request.Request) (*request.Response, error)
	Endpoints(ctx context.Context) ([]string, error)
}

type serverConfig struct {
	name       string
	maxMsgSize int
	extra      []grpc.ServerOption
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

// WithName sets the executor name reported in upstream error statuses.
func WithName(name string) ServerOption {
	return func(c *serverConfig) { c.name = name }
}

// WithServerMaxMessageSize bounds received and sent messages.
func WithServerMaxMessageSize(n int) ServerOption {
	return func(c *serverConfig) {
		if n > 0 {
			c.maxMsgSize = n
		}
	}
}

// WithServerOptions appends raw grpc server options.
func WithServerOptions(opts ...grpc.ServerOption) ServerOption {
	return func(c *serverConfig) { c.extra = append(c.extra, opts...) }
}

// Server exposes a Handler over gRPC together with the standard health service.
type Server struct {
	grpc    *grpc.Server
	health  *health.Server
	handler Handler
	name    string
	logger  *zap.Logger
}

// NewServer creates a Server. Call Serve to start accepting.
func NewServer(handler Handler, log *zap.Logger, opts ...ServerOption) *Server {
	cfg := serverConfig{maxMsgSize: defaultMaxMessageSize}
	for _, o := range opts {
		o(&cfg)
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		health:  health.NewServer(),
		handler: handler,
		name:    cfg.name,
		logger:  log,
	}
	sopts := append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.maxMsgSize),
		grpc.MaxSendMsgSize(cfg.maxMsgSize),
		grpc.ChainUnaryInterceptor(s.unaryLogging, metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(s.streamLogging, metrics.StreamServerInterceptor()),
	}, cfg.extra...)
	s.grpc = grpc.NewServer(sopts...)
	s.grpc.RegisterService(&ServiceDesc, &workerService{s: s})
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Serve accepts connections on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

// SetServing flips the health status reported to probes.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
}

// Stop reports NOT_SERVING, then stops gracefully; calls still running when
// ctx is done are cut off.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
}

func (s *Server) unaryLogging(
	ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
) (any, error) {
	start := time.Now()
	ctx = logger.ContextWithLogger(ctx, s.logger.With(zap.String("method", info.FullMethod)))
	if r, ok := req.(*request.Request); ok {
		ctx = logger.WithRequest(ctx, r.Header.RequestID, r.Header.ExecEndpoint)
	}
	log := logger.FromContext(ctx)
	resp, err := handler(ctx, req)

	fields := []zap.Field{zap.Duration("duration", time.Since(start)), zap.String("code", status.Code(err).String())}
	if err != nil {
		log.Warn("rpc failed", append(fields, zap.Error(err))...)
	} else {
		log.Debug("rpc handled", fields...)
	}
	return resp, err
}

func (s *Server) streamLogging(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	log := s.logger.With(zap.String("method", info.FullMethod))
	err := handler(srv, &loggedStream{ServerStream: ss, ctx: logger.ContextWithLogger(ss.Context(), log)})
	if err != nil {
		log.Warn("stream closed with error", zap.Error(err))
	}
	return err
}

type loggedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (l *loggedStream) Context() context.Context { return l.ctx }

// process runs the handler and shapes its outcome for the wire. Transport
// statuses and kinded domain errors fail the call; any other handler error
// is returned to the caller as an ERROR status in the response header.
func (s *Server) process(ctx context.Context, req *request.Request) (*request.Response, error) {
	resp, err := s.handler.Process(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ToStatus(ctx.Err())
		}
		if _, ok := status.FromError(err); ok {
			return nil, err
		}
		if k := domain.KindOf(err); k != domain.KindUnknown && k != domain.KindUpstream {
			return nil, ToStatus(err)
		}
		resp = req.Copy()
		resp.Header.Status = &request.Status{
			Code:        request.StatusError,
			Description: err.Error(),
			Executor:    s.name,
			Exception:   fmt.Sprintf("%T", err),
		}
		logger.FromContext(ctx).Info("executor reported error", zap.Error(err))
	}
	if resp == nil {
		resp = req.Copy()
		resp.Docs = nil
	}
	if resp.Header.RequestID == "" {
		resp.Header.RequestID = req.Header.RequestID
	}
	return resp, nil
}

type workerService struct {
	s *Server
}

func (w *workerService) ProcessSingleData(ctx context.Context, req *request.Request) (*request.Response, error) {
	return w.s.process(ctx, req)
}

func (w *workerService) EndpointDiscovery(ctx context.Context, _ *EndpointsRequest) (*EndpointsResponse, error) {
	endpoints, err := w.s.handler.Endpoints(ctx)
	if err != nil {
		return nil, ToStatus(err)
	}
	slices.Sort(endpoints)
	return &EndpointsResponse{Endpoints: endpoints}, nil
}

// Call processes every received request concurrently and sends responses
// as they complete. The stream ends after the client half-closes and every
// response is sent. A failed request ends the stream at once with its status;
// requests still running are cancelled.
func (w *workerService) Call(stream grpc.BidiStreamingServer[request.Request, request.Response]) error {
	g, ctx := errgroup.WithContext(stream.Context())
	reqs, recvErr := receive(ctx, stream)
	var sendMu sync.Mutex

	for {
		select {
		case req := <-reqs:
			g.Go(func() error {
				resp, err := w.s.process(ctx, req)
				if err != nil {
					return err
				}
				sendMu.Lock()
				defer sendMu.Unlock()
				return stream.Send(resp)
			})
		case err := <-recvErr:
			if errors.Is(err, io.EOF) {
				return g.Wait()
			}
			_ = g.Wait()
			return err
		case <-ctx.Done():
			if err := g.Wait(); err != nil {
				return err
			}
			return ToStatus(ctx.Err())
		}
	}
}

// receive pumps stream.Recv into a channel until the stream fails or ctx is done.
func receive(
	ctx context.Context, stream grpc.BidiStreamingServer[request.Request, request.Response],
) (<-chan *request.Request, <-chan error) {
	reqs := make(chan *request.Request)
	errc := make(chan error, 1)
	go func() {
		for {
			req, err := stream.Recv()
			if err != nil {
				errc <- err
				return
			}
			select {
			case reqs <- req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return reqs, errc
}
