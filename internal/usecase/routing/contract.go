package routing

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// Sender ships sub-requests to deployments. *pool.Pool implements it.
type Sender interface {
	SendRequestsOnce(
		ctx context.Context, reqs []*request.Request, deployment string, opts ...pool.TargetOption,
	) (*request.Response, metadata.MD, error)
	SendDiscoverEndpoint(ctx context.Context, deployment string, opts ...pool.TargetOption) ([]string, error)
}
