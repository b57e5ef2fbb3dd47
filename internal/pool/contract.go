package pool

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/kailas-cloud/flowgate/internal/domain/request"
)

// Conn is a transport channel to one endpoint.
type Conn interface {
	Process(ctx context.Context, req *request.Request) (*request.Response, metadata.MD, error)
	Discover(ctx context.Context) ([]string, error)
	// Check runs a health probe against the endpoint.
	Check(ctx context.Context) error
	Close() error
}

// Dialer opens a Conn to address. It must not block on the network.
type Dialer func(address string) (Conn, error)
