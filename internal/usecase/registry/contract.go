package registry

import (
	"context"

	"github.com/kailas-cloud/flowgate/internal/domain/registry"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// Repository reads the endpoint registry.
type Repository interface {
	List(ctx context.Context) ([]registry.Registration, error)
	Revision(ctx context.Context) (int64, error)
}

// Connections is the part of the pool the watcher reconciles.
type Connections interface {
	AddConnection(dep, address string, opts ...pool.TargetOption) error
	RemoveConnection(ctx context.Context, dep, address string, opts ...pool.TargetOption) error
}
