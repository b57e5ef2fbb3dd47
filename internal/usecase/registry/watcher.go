// Package registry keeps a connection pool in line with the endpoint registry.
package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/flowgate/internal/domain/registry"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

const defaultInterval = 5 * time.Second

// Config tunes the watcher.
type Config struct {
	// Interval between registry polls.
	Interval time.Duration
	// Deployments limits reconciliation to the listed deployments; empty means all.
	Deployments []string
	// SkipHeads ignores head registrations, for pools that talk to replicas only.
	SkipHeads bool
}

// Option customises a Watcher.
type Option func(*Watcher)

// WithStatic marks registrations that are already in the pool from the graph
// description. The watcher never adds or removes them.
func WithStatic(regs []registry.Registration) Option {
	return func(w *Watcher) {
		for _, r := range regs {
			w.static[r] = struct{}{}
		}
	}
}

// OnChange is called with every deployment whose endpoints changed in a sync.
func OnChange(fn func(deployment string)) Option {
	return func(w *Watcher) { w.onChange = fn }
}

// Watcher polls the registry and applies the difference to the pool.
type Watcher struct {
	cfg      Config
	repo     Repository
	conns    Connections
	logger   *zap.Logger
	static   map[registry.Registration]struct{}
	onChange func(string)

	mu       sync.Mutex
	revision int64
	synced   bool
	owned    map[registry.Registration]struct{}
}

// New creates a Watcher.
func New(cfg Config, repo Repository, conns Connections, logger *zap.Logger, opts ...Option) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Watcher{
		cfg:      cfg,
		repo:     repo,
		conns:    conns,
		logger:   logger,
		static:   make(map[registry.Registration]struct{}),
		onChange: func(string) {},
		owned:    make(map[registry.Registration]struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run syncs immediately and then every interval until ctx is done. Sync
// failures are logged and retried on the next tick.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("registry sync failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sync reconciles the pool with the registry once. It is skipped when the
// registry revision has not moved since the last successful sync.
func (w *Watcher) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	rev, err := w.repo.Revision(ctx)
	if err != nil {
		return fmt.Errorf("read revision: %w", err)
	}
	if w.synced && rev == w.revision {
		return nil
	}

	regs, err := w.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list registrations: %w", err)
	}

	want := make(map[registry.Registration]struct{}, len(regs))
	for _, r := range regs {
		if !w.selected(r.Deployment) || (r.Head && w.cfg.SkipHeads) {
			continue
		}
		if _, ok := w.static[r]; ok {
			continue
		}
		want[r] = struct{}{}
	}

	changed := make(map[string]struct{})
	var errs []error
	for r := range want {
		if _, ok := w.owned[r]; ok {
			continue
		}
		if err := w.conns.AddConnection(r.Deployment, r.Address, target(r)); err != nil {
			errs = append(errs, fmt.Errorf("add %s/%s: %w", r.Deployment, r.Address, err))
			continue
		}
		w.owned[r] = struct{}{}
		changed[r.Deployment] = struct{}{}
		w.logger.Info("endpoint registered",
			zap.String("deployment", r.Deployment),
			zap.String("address", r.Address),
			zap.Bool("head", r.Head),
			zap.Int("shard", r.Shard),
		)
	}
	for r := range w.owned {
		if _, ok := want[r]; ok {
			continue
		}
		if err := w.conns.RemoveConnection(ctx, r.Deployment, r.Address, target(r)); err != nil {
			errs = append(errs, fmt.Errorf("remove %s/%s: %w", r.Deployment, r.Address, err))
			continue
		}
		delete(w.owned, r)
		changed[r.Deployment] = struct{}{}
		w.logger.Info("endpoint deregistered",
			zap.String("deployment", r.Deployment),
			zap.String("address", r.Address),
		)
	}

	for dep := range changed {
		w.onChange(dep)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	w.revision = rev
	w.synced = true
	return nil
}

// Owned returns the registrations the watcher has added to the pool, sorted.
func (w *Watcher) Owned() []registry.Registration {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]registry.Registration, 0, len(w.owned))
	for r := range w.owned {
		out = append(out, r)
	}
	registry.Sort(out)
	return out
}

func (w *Watcher) selected(dep string) bool {
	return len(w.cfg.Deployments) == 0 || slices.Contains(w.cfg.Deployments, dep)
}

func target(r registry.Registration) pool.TargetOption {
	if r.Head {
		return pool.Head()
	}
	return pool.Shard(r.Shard)
}
