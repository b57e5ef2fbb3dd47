package flowgate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
)

// Client talks to one gateway. It is safe for concurrent use.
type Client struct {
	conn   *rpc.Client
	obs    *observer
	closed atomic.Bool
}

// New creates a Client for target (host:port or a gRPC target URI).
// The connection is established lazily on the first call.
func New(target string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o.apply(cfg)
	}

	dopts := []rpc.DialOption{
		rpc.WithCompression(cfg.compression),
		rpc.WithMaxMessageSize(cfg.maxMsgSize),
		rpc.WithGRPCOptions(cfg.grpcOpts...),
	}
	if cfg.tls != nil {
		dopts = append(dopts, rpc.WithTLS(cfg.tls))
	}
	conn, err := rpc.Dial(target, dopts...)
	if err != nil {
		return nil, fmt.Errorf("flowgate: %w", err)
	}

	obs, err := newObserver(cfg.logger, cfg.metricsReg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &Client{conn: conn, obs: obs}, nil
}

// Close releases the connection. Calls made afterwards fail with ErrClientClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("flowgate: close: %w", err)
	}
	return nil
}

// Endpoints lists the exec endpoints the gateway serves.
func (c *Client) Endpoints(ctx context.Context) (endpoints []string, err error) {
	start := time.Now()
	defer func() { c.obs.observe("endpoints", start, err) }()

	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	endpoints, err = c.conn.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("flowgate: discover endpoints: %w", err)
	}
	return endpoints, nil
}

// Health runs the standard gRPC health probe against the gateway.
func (c *Client) Health(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("health", start, err) }()

	if c.closed.Load() {
		return ErrClientClosed
	}
	if err = c.conn.Check(ctx); err != nil {
		return fmt.Errorf("flowgate: health: %w", err)
	}
	return nil
}
