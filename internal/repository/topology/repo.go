// Package topology persists the routing graph description and the endpoint
// registry in Redis.
package topology

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kailas-cloud/flowgate/internal/db"
	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/graph"
	"github.com/kailas-cloud/flowgate/internal/domain/registry"
)

// DefaultNamespace prefixes every key the repository touches.
const DefaultNamespace = "flowgate"

// store is the consumer interface for topology (ISP).
type store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
	Commit(ctx context.Context, counter string, muts ...db.Mutation) (int64, error)
}

// Repo stores topology under "<namespace>:graph", "<namespace>:revision" and
// one "<namespace>:endpoints:<deployment>" hash per deployment.
type Repo struct {
	store     store
	namespace string
}

// New creates a topology repository. An empty namespace selects DefaultNamespace.
func New(s store, namespace string) *Repo {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &Repo{store: s, namespace: namespace}
}

// SaveGraph validates and stores d together with a revision bump.
func (r *Repo) SaveGraph(ctx context.Context, d *graph.Description) error {
	if err := d.Validate(); err != nil {
		return err
	}
	data, err := d.Marshal()
	if err != nil {
		return err
	}
	if _, err := r.store.Commit(ctx, r.revisionKey(), db.Mutation{Key: r.graphKey(), Value: data}); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}

// LoadGraph returns the stored description or domain.ErrGraphNotFound.
func (r *Repo) LoadGraph(ctx context.Context) (*graph.Description, error) {
	data, err := r.store.Get(ctx, r.graphKey())
	if errors.Is(err, db.ErrKeyNotFound) {
		return nil, domain.ErrGraphNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get graph: %w", err)
	}
	return graph.Parse(data)
}

// Register records reg, replacing any earlier role of the same address.
func (r *Repo) Register(ctx context.Context, reg registry.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	m := db.Mutation{Key: r.endpointsKey(reg.Deployment), Fields: map[string]string{reg.Address: encodeRole(reg)}}
	if _, err := r.store.Commit(ctx, r.revisionKey(), m); err != nil {
		return fmt.Errorf("register %s/%s: %w", reg.Deployment, reg.Address, err)
	}
	return nil
}

// Deregister removes address from deployment. Unknown entries are a no-op.
func (r *Repo) Deregister(ctx context.Context, deployment, address string) error {
	m := db.Mutation{Key: r.endpointsKey(deployment), Remove: []string{address}}
	if _, err := r.store.Commit(ctx, r.revisionKey(), m); err != nil {
		return fmt.Errorf("deregister %s/%s: %w", deployment, address, err)
	}
	return nil
}

// DropDeployment removes every registration of deployment.
func (r *Repo) DropDeployment(ctx context.Context, deployment string) error {
	if deployment == "" {
		return fmt.Errorf("%w: deployment is required", domain.ErrInvalidRegistration)
	}
	m := db.Mutation{Key: r.endpointsKey(deployment), Delete: true}
	if _, err := r.store.Commit(ctx, r.revisionKey(), m); err != nil {
		return fmt.Errorf("drop %s: %w", deployment, err)
	}
	return nil
}

// Deployment returns the registrations of one deployment, sorted.
func (r *Repo) Deployment(ctx context.Context, deployment string) ([]registry.Registration, error) {
	m, err := r.store.HGetAll(ctx, r.endpointsKey(deployment))
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", deployment, err)
	}
	regs := make([]registry.Registration, 0, len(m))
	for address, role := range m {
		reg, err := registrationFromField(deployment, address, role)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", deployment, err)
		}
		regs = append(regs, reg)
	}
	registry.Sort(regs)
	return regs, nil
}

// List returns every registration, sorted.
func (r *Repo) List(ctx context.Context) ([]registry.Registration, error) {
	keys, err := r.store.Scan(ctx, r.endpointsKey("*"))
	if err != nil {
		return nil, fmt.Errorf("scan endpoints: %w", err)
	}
	if len(keys) == 0 {
		return []registry.Registration{}, nil
	}

	hashes, err := r.store.HGetAllMulti(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("hgetall multi endpoints: %w", err)
	}

	prefix := r.endpointsKey("")
	var regs []registry.Registration
	for i, m := range hashes {
		dep := strings.TrimPrefix(keys[i], prefix)
		for address, role := range m {
			reg, err := registrationFromField(dep, address, role)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", keys[i], err)
			}
			regs = append(regs, reg)
		}
	}
	registry.Sort(regs)
	return regs, nil
}

// Revision returns the change counter; zero when nothing was ever written.
func (r *Repo) Revision(ctx context.Context) (int64, error) {
	data, err := r.store.Get(ctx, r.revisionKey())
	if errors.Is(err, db.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get revision: %w", err)
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse revision %q: %w", data, err)
	}
	return n, nil
}

func (r *Repo) graphKey() string    { return r.namespace + ":graph" }
func (r *Repo) revisionKey() string { return r.namespace + ":revision" }

func (r *Repo) endpointsKey(deployment string) string {
	return r.namespace + ":endpoints:" + deployment
}
