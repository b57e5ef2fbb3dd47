// Package pool keeps reusable transport channels per deployment: a head-pool
// and per-shard replica lists, selected round-robin.
package pool

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	"github.com/kailas-cloud/flowgate/internal/usecase/reduce"
)

type deployment struct {
	// head is nil until a head endpoint is registered.
	head   *replicaList
	shards map[int]*replicaList
}

func (d *deployment) shardCount() int {
	n := 0
	for i := range d.shards {
		n = max(n, i+1)
	}
	return n
}

func (d *deployment) list(t target, shard int) *replicaList {
	if t.head {
		return d.head
	}
	return d.shards[shard]
}

// Pool maps deployments to endpoints. It is safe for concurrent use.
type Pool struct {
	dial     Dialer
	logger   *zap.Logger
	retries  int
	cooldown time.Duration
	now      func() time.Time

	mu          sync.Mutex
	deployments map[string]*deployment
	channels    map[string]*channel
	closed      bool
}

// New creates an empty Pool that opens channels with dial.
func New(dial Dialer, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		dial:        dial,
		logger:      logger,
		cooldown:    defaultCooldown,
		now:         time.Now,
		deployments: make(map[string]*deployment),
		channels:    make(map[string]*channel),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AddConnection registers address for dep. The deployment entry is created
// on first use; the channel is dialed lazily on the first send. Adding an
// address twice to the same target is a no-op.
func (p *Pool) AddConnection(dep, address string, opts ...TargetOption) error {
	t := resolveTarget(opts)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrPoolClosed
	}

	d, ok := p.deployments[dep]
	if !ok {
		d = &deployment{shards: make(map[int]*replicaList)}
		p.deployments[dep] = d
	}

	var l *replicaList
	if t.head {
		if d.head == nil {
			d.head = &replicaList{}
		}
		l = d.head
	} else {
		l = d.shards[t.shard]
		if l == nil {
			l = &replicaList{}
			d.shards[t.shard] = l
		}
	}
	if l.has(address) {
		return nil
	}

	c, ok := p.channels[address]
	if !ok {
		c = newChannel(address)
		p.channels[address] = c
	}
	c.mu.Lock()
	c.regs++
	c.mu.Unlock()
	l.add(c)

	p.logger.Debug("connection added",
		zap.String("deployment", dep),
		zap.String("address", address),
		zap.Bool("head", t.head),
		zap.Int("shard", t.shard),
	)
	return nil
}

// RemoveConnection deregisters address from dep. When no registration of the
// address is left, it waits for in-flight calls on the channel and closes it.
// Unknown deployments and addresses are a no-op. The shard or head entry is
// kept even when it becomes empty.
func (p *Pool) RemoveConnection(ctx context.Context, dep, address string, opts ...TargetOption) error {
	t := resolveTarget(opts)

	p.mu.Lock()
	d, ok := p.deployments[dep]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	l := d.list(t, t.shard)
	if l == nil {
		p.mu.Unlock()
		return nil
	}
	c, ok := l.remove(address)
	if !ok {
		p.mu.Unlock()
		return nil
	}
	c.mu.Lock()
	c.regs--
	last := c.regs == 0
	c.mu.Unlock()
	if last {
		delete(p.channels, address)
	}
	p.mu.Unlock()

	p.logger.Debug("connection removed",
		zap.String("deployment", dep),
		zap.String("address", address),
		zap.Bool("head", t.head),
		zap.Bool("closing", last),
	)
	if !last {
		return nil
	}
	return c.drain(ctx)
}

// Result is the outcome of one call made by SendRequests.
type Result struct {
	Address  string
	Response *request.Response
	Metadata metadata.MD
	Err      error
}

// SendRequestsOnce sends to one endpoint of dep and returns its response and
// trailing metadata. Several requests are reduced into one before sending.
// With Head the head-pool is used; otherwise a replica of the target shard is
// picked round-robin. Retriable failures move on to untried replicas when
// retries are configured.
func (p *Pool) SendRequestsOnce(
	ctx context.Context, reqs []*request.Request, dep string, opts ...TargetOption,
) (*request.Response, metadata.MD, error) {
	req, err := single(reqs)
	if err != nil {
		return nil, nil, err
	}
	t := resolveTarget(opts)

	tried := make(map[string]struct{})
	tries := 0
	var lastErr error
	for {
		c, total, err := p.pick(dep, t, req, tried)
		if err != nil {
			if lastErr != nil {
				return nil, nil, lastErr
			}
			return nil, nil, err
		}
		if tries == 0 {
			tries = p.maxTries(total)
		}

		resp, md, err := p.call(ctx, dep, c, req)
		if err == nil {
			return resp, md, nil
		}
		lastErr = err
		tried[c.address] = struct{}{}
		if len(tried) >= tries || ctx.Err() != nil || !retriable(err) {
			return nil, md, err
		}
		p.logger.Warn("retrying on another replica",
			zap.String("deployment", dep),
			zap.String("address", c.address),
			zap.Error(err),
		)
	}
}

// SendRequests calls every replica of the target shard concurrently. It
// returns one channel per replica; each yields exactly one Result.
func (p *Pool) SendRequests(
	ctx context.Context, reqs []*request.Request, dep string, opts ...TargetOption,
) ([]<-chan Result, error) {
	req, err := single(reqs)
	if err != nil {
		return nil, err
	}
	t := resolveTarget(opts)

	p.mu.Lock()
	d, ok := p.deployments[dep]
	if !ok {
		p.mu.Unlock()
		return nil, domain.NewError(domain.KindProtocol, dep, domain.ErrNoSuchDeployment)
	}
	var targets []*channel
	if l := d.list(t, p.shardOf(d, t, req)); l != nil {
		now := p.now()
		for _, c := range l.channels {
			if c.selectable(now) {
				targets = append(targets, c)
			}
		}
	}
	p.mu.Unlock()

	if len(targets) == 0 {
		return nil, domain.NewError(domain.KindTransient, dep, domain.ErrNoHealthyReplica)
	}

	out := make([]<-chan Result, len(targets))
	for i, c := range targets {
		ch := make(chan Result, 1)
		out[i] = ch
		go func() {
			resp, md, err := p.call(ctx, dep, c, req.Copy())
			ch <- Result{Address: c.address, Response: resp, Metadata: md, Err: err}
		}()
	}
	return out, nil
}

// SendDiscoverEndpoint asks one endpoint of dep which exec endpoints it serves.
func (p *Pool) SendDiscoverEndpoint(ctx context.Context, dep string, opts ...TargetOption) ([]string, error) {
	t := resolveTarget(opts)
	if !t.hasShard {
		t.shard, t.hasShard = 0, true
	}
	c, _, err := p.pick(dep, t, nil, nil)
	if err != nil {
		return nil, err
	}
	conn, err := c.acquire(p.dial)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, dep, err)
	}
	defer c.release()
	endpoints, err := conn.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover %s at %s: %w", dep, c.address, err)
	}
	return endpoints, nil
}

// ShardCount returns the number of shards registered for dep.
func (p *Pool) ShardCount(dep string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.deployments[dep]
	if !ok {
		return 0, domain.ErrNoSuchDeployment
	}
	return d.shardCount(), nil
}

// Has reports whether dep was ever registered.
func (p *Pool) Has(dep string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.deployments[dep]
	return ok
}

// EndpointStatus describes one registration.
type EndpointStatus struct {
	Deployment string
	Address    string
	Head       bool
	Shard      int
	State      State
}

// Snapshot lists every registration, ordered by deployment, head first, then shard.
func (p *Pool) Snapshot() []EndpointStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []EndpointStatus
	for _, name := range slices.Sorted(maps.Keys(p.deployments)) {
		d := p.deployments[name]
		if d.head != nil {
			for _, c := range d.head.channels {
				out = append(out, EndpointStatus{Deployment: name, Address: c.address, Head: true, State: c.State()})
			}
		}
		for _, i := range slices.Sorted(maps.Keys(d.shards)) {
			for _, c := range d.shards[i].channels {
				out = append(out, EndpointStatus{Deployment: name, Address: c.address, Shard: i, State: c.State()})
			}
		}
	}
	return out
}

// Close drains and closes every channel. The pool rejects registrations afterwards.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	channels := slices.Collect(maps.Values(p.channels))
	p.channels = make(map[string]*channel)
	p.deployments = make(map[string]*deployment)
	p.mu.Unlock()

	var errs []error
	for _, c := range channels {
		if err := c.drain(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// pick selects the next channel for req and reports how many replicas the
// selected list holds.
func (p *Pool) pick(dep string, t target, req *request.Request, skip map[string]struct{}) (*channel, int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, 0, domain.ErrPoolClosed
	}
	d, ok := p.deployments[dep]
	if !ok {
		return nil, 0, domain.NewError(domain.KindProtocol, dep, domain.ErrNoSuchDeployment)
	}
	l := d.list(t, p.shardOf(d, t, req))
	if l == nil || l.empty() {
		return nil, 0, domain.NewError(domain.KindTransient, dep, domain.ErrNoHealthyReplica)
	}
	c := l.next(p.now(), skip)
	if c == nil {
		return nil, 0, domain.NewError(domain.KindTransient, dep, domain.ErrNoHealthyReplica)
	}
	return c, len(l.channels), nil
}

func (p *Pool) shardOf(d *deployment, t target, req *request.Request) int {
	if t.hasShard {
		return t.shard
	}
	if req == nil {
		return 0
	}
	return ShardIndex(req.Header.ShardKey, d.shardCount())
}

func (p *Pool) maxTries(replicas int) int {
	if p.retries < 0 {
		return max(3, replicas) + 1
	}
	return p.retries + 1
}

func (p *Pool) call(ctx context.Context, dep string, c *channel, req *request.Request) (*request.Response, metadata.MD, error) {
	conn, err := c.acquire(p.dial)
	if err != nil {
		metrics.PoolSendsTotal.WithLabelValues(dep, codes.Unavailable.String()).Inc()
		return nil, nil, status.Error(codes.Unavailable, err.Error())
	}
	defer c.release()

	start := time.Now()
	resp, md, err := conn.Process(ctx, req)
	metrics.PoolSendDuration.WithLabelValues(dep).Observe(time.Since(start).Seconds())
	metrics.PoolSendsTotal.WithLabelValues(dep, status.Code(err).String()).Inc()
	return resp, md, err
}

func retriable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}

func single(reqs []*request.Request) (*request.Request, error) {
	switch len(reqs) {
	case 0:
		return nil, domain.ErrEmptyRequest
	case 1:
		return reqs[0], nil
	default:
		return reduce.ReduceAll(reqs), nil
	}
}
