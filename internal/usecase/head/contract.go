package head

import (
	"context"

	"google.golang.org/grpc/metadata"

	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// Sender reaches the shard replicas behind the head. *pool.Pool implements it.
type Sender interface {
	SendRequestsOnce(
		ctx context.Context, reqs []*request.Request, deployment string, opts ...pool.TargetOption,
	) (*request.Response, metadata.MD, error)
	SendRequests(
		ctx context.Context, reqs []*request.Request, deployment string, opts ...pool.TargetOption,
	) ([]<-chan pool.Result, error)
	SendDiscoverEndpoint(ctx context.Context, deployment string, opts ...pool.TargetOption) ([]string, error)
	ShardCount(deployment string) (int, error)
}
