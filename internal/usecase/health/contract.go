package health

import (
	"context"

	"github.com/kailas-cloud/flowgate/internal/pool"
)

// DBPinger checks topology store availability.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// PoolInspector exposes the registrations of a connection pool.
type PoolInspector interface {
	Snapshot() []pool.EndpointStatus
}
