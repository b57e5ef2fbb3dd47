package rpc

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/pool"
	"github.com/kailas-cloud/flowgate/internal/version"
)

const defaultMaxMessageSize = 64 << 20

type dialConfig struct {
	compression string
	tls         *tls.Config
	maxMsgSize  int
	extra       []grpc.DialOption
}

// DialOption configures a Client.
type DialOption func(*dialConfig)

// WithCompression selects the wire compressor: none, gzip, zstd or lz4.
func WithCompression(name string) DialOption {
	return func(c *dialConfig) { c.compression = name }
}

// WithTLS enables transport security.
func WithTLS(cfg *tls.Config) DialOption {
	return func(c *dialConfig) { c.tls = cfg }
}

// WithMaxMessageSize bounds sent and received messages.
func WithMaxMessageSize(n int) DialOption {
	return func(c *dialConfig) {
		if n > 0 {
			c.maxMsgSize = n
		}
	}
}

// WithGRPCOptions appends raw grpc dial options.
func WithGRPCOptions(opts ...grpc.DialOption) DialOption {
	return func(c *dialConfig) { c.extra = append(c.extra, opts...) }
}

// Client is a channel to one worker, head or gateway. Worker calls use the
// JSON codec; health probes keep the default protobuf codec.
type Client struct {
	address string
	cc      *grpc.ClientConn
	health  healthpb.HealthClient
}

// Dial creates a Client for address. It does not wait for the connection.
func Dial(address string, opts ...DialOption) (*Client, error) {
	cfg := dialConfig{maxMsgSize: defaultMaxMessageSize}
	for _, o := range opts {
		o(&cfg)
	}
	if !ValidCompression(cfg.compression) {
		return nil, fmt.Errorf("unknown compression %q", cfg.compression)
	}

	creds := insecure.NewCredentials()
	if cfg.tls != nil {
		creds = credentials.NewTLS(cfg.tls)
	}
	callOpts := []grpc.CallOption{
		grpc.MaxCallRecvMsgSize(cfg.maxMsgSize),
		grpc.MaxCallSendMsgSize(cfg.maxMsgSize),
	}
	if cfg.compression != "" && cfg.compression != CompressionNone {
		callOpts = append(callOpts, grpc.UseCompressor(cfg.compression))
	}
	dopts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(callOpts...),
		grpc.WithUserAgent(version.UserAgent("router")),
	}, cfg.extra...)

	cc, err := grpc.NewClient(address, dopts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Client{address: address, cc: cc, health: healthpb.NewHealthClient(cc)}, nil
}

// NewDialer returns a pool.Dialer opening Clients with opts.
func NewDialer(opts ...DialOption) pool.Dialer {
	return func(address string) (pool.Conn, error) {
		return Dial(address, opts...)
	}
}

// Address returns the target the client was dialed with.
func (c *Client) Address() string { return c.address }

// Process calls ProcessSingleData. It returns the trailing metadata of the
// call; failures carry the call's header and trailer in a StatusError.
func (c *Client) Process(ctx context.Context, req *request.Request) (*request.Response, metadata.MD, error) {
	var header, trailer metadata.MD
	resp := new(request.Response)
	err := c.cc.Invoke(ctx, ProcessMethod, req, resp,
		grpc.CallContentSubtype(CodecName), grpc.Header(&header), grpc.Trailer(&trailer))
	if err != nil {
		return nil, trailer, WrapStatus(err, header, trailer)
	}
	if resp.Header.RequestID != req.Header.RequestID {
		return nil, trailer, &domain.Error{
			Kind:       domain.KindProtocol,
			Deployment: c.address,
			Message: fmt.Sprintf("response echoes request %q, sent %q",
				resp.Header.RequestID, req.Header.RequestID),
			Err: domain.ErrMalformedResponse,
		}
	}
	return resp, trailer, nil
}

// Discover calls EndpointDiscovery.
func (c *Client) Discover(ctx context.Context) ([]string, error) {
	resp := new(EndpointsResponse)
	if err := c.cc.Invoke(ctx, DiscoveryMethod, &EndpointsRequest{}, resp, grpc.CallContentSubtype(CodecName)); err != nil {
		return nil, WrapStatus(err, nil, nil)
	}
	return resp.Endpoints, nil
}

// Check runs the standard gRPC health probe.
func (c *Client) Check(ctx context.Context) error {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return WrapStatus(err, nil, nil)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%s is %s", c.address, resp.GetStatus())
	}
	return nil
}

// Stream opens a Call stream.
func (c *Client) Stream(ctx context.Context) (grpc.BidiStreamingClient[request.Request, request.Response], error) {
	s, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], CallMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, WrapStatus(err, nil, nil)
	}
	return &grpc.GenericClientStream[request.Request, request.Response]{ClientStream: s}, nil
}

// Close tears the channel down.
func (c *Client) Close() error {
	return c.cc.Close()
}
