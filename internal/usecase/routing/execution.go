package routing

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"regexp"
	"slices"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/metadata"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/document"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/metrics"
	"github.com/kailas-cloud/flowgate/internal/pool"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
	"github.com/kailas-cloud/flowgate/internal/usecase/reduce"
)

// part is one delivery into a node's accumulator.
type part struct {
	// from is the rank of the delivering node, -1 for the incoming request.
	from int
	// seq is the arrival position within the execution.
	seq  int
	resp *request.Response
}

// execution is the state of one request. It lives for one Execute call.
type execution struct {
	e      *Engine
	g      *Graph
	req    *request.Request
	target *regexp.Regexp
	group  *errgroup.Group

	mu       sync.Mutex
	acc      map[int][]part
	results  map[int]*request.Response
	arrivals int
}

func newExecution(e *Engine, req *request.Request, target *regexp.Regexp) *execution {
	return &execution{
		e:       e,
		g:       e.graph,
		req:     req,
		target:  target,
		acc:     make(map[int][]part),
		results: make(map[int]*request.Response),
	}
}

func (x *execution) run(ctx context.Context) (*request.Response, error) {
	group, gctx := errgroup.WithContext(ctx)
	x.group = group
	for _, o := range x.g.Origins() {
		group.Go(func() error {
			return x.deliver(gctx, o, part{from: -1, resp: x.req})
		})
	}
	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, contextError(ctx)
		}
		return nil, err
	}

	outs := make([]*request.Response, 0, len(x.results))
	for _, t := range x.g.Terminals() {
		if r, ok := x.results[t.Rank]; ok {
			outs = append(outs, r)
		}
	}
	var final *request.Response
	switch len(outs) {
	case 0:
		return nil, &domain.Error{Kind: domain.KindProgrammer, Message: "no terminal node produced a response"}
	case 1:
		final = outs[0].Copy()
	default:
		final = reduce.ReduceAll(outs)
	}
	final.Header.RequestID = x.req.Header.RequestID
	final.Header.ExecEndpoint = x.req.Header.ExecEndpoint
	return final, nil
}

// deliver appends p to n's accumulator. The delivery that completes the
// accumulator merges the parts, runs the node and forwards the result.
func (x *execution) deliver(ctx context.Context, n *Node, p part) error {
	x.mu.Lock()
	p.seq = x.arrivals
	x.arrivals++
	x.acc[n.Rank] = append(x.acc[n.Rank], p)
	if len(x.acc[n.Rank]) < n.NumberOfParts {
		x.mu.Unlock()
		return nil
	}
	parts := x.acc[n.Rank]
	delete(x.acc, n.Rank)
	x.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	out, err := x.visit(ctx, n, merge(n, parts))
	if err != nil {
		return err
	}

	if n.Terminal() {
		x.mu.Lock()
		x.results[n.Rank] = out
		x.mu.Unlock()
		return nil
	}
	for _, rank := range n.Outgoing {
		next := x.g.nodes[rank]
		x.group.Go(func() error {
			return x.deliver(ctx, next, part{from: n.Rank, resp: out})
		})
	}
	return nil
}

// merge combines a node's parts ordered by predecessor rank, so the earlier
// node in topological order wins on conflicting fields.
func merge(n *Node, parts []part) *request.Response {
	if len(parts) == 1 {
		return parts[0].resp
	}
	slices.SortFunc(parts, func(a, b part) int {
		return cmp.Or(cmp.Compare(a.from, b.from), cmp.Compare(a.seq, b.seq))
	})
	resps := make([]*request.Response, len(parts))
	for i, p := range parts {
		resps[i] = p.resp
	}
	var m *request.Response
	if n.DisableReduce {
		m = reduce.Concat(resps)
	} else {
		m = reduce.ReduceAll(resps)
	}
	slices.SortStableFunc(m.Header.Route, func(a, b request.RouteEntry) int {
		return a.StartTime.Compare(b.StartTime)
	})
	return m
}

// visit sends in to n and returns the node's output. Nodes not selected by
// target_executor or not serving the endpoint pass in through unchanged.
// in is shared with sibling branches and is never modified.
func (x *execution) visit(ctx context.Context, n *Node, in *request.Response) (*request.Response, error) {
	if x.target != nil && !x.target.MatchString(n.Name) {
		return in, nil
	}
	if !x.e.serves(ctx, n, x.req.Header.ExecEndpoint) {
		return in, nil
	}

	sub := in.Copy()
	if len(n.When) > 0 {
		sub.Docs = slices.DeleteFunc(sub.Docs, func(d *document.Document) bool {
			return !d.MatchesTags(n.When)
		})
		if len(sub.Docs) == 0 {
			return sub, nil
		}
	}
	if len(n.Metadata) > 0 {
		kv := make([]string, 0, 2*len(n.Metadata))
		for _, k := range slices.Sorted(maps.Keys(n.Metadata)) {
			kv = append(kv, k, n.Metadata[k])
		}
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
	}
	var opts []pool.TargetOption
	if n.Head {
		opts = append(opts, pool.Head())
	}

	// outcome bookkeeping stays on the gateway
	wire := *sub
	wire.Header.Status, wire.Header.Errors = nil, nil

	start := x.e.now()
	resp, _, err := x.e.sender.SendRequestsOnce(ctx, []*request.Request{&wire}, n.Name, opts...)
	end := x.e.now()
	metrics.RoutingNodeDuration.WithLabelValues(n.Name).Observe(end.Sub(start).Seconds())
	if err != nil {
		return nil, nodeError(ctx, n, err)
	}

	out := &request.Response{Header: sub.Header, Parameters: sub.Parameters, Docs: resp.Docs}
	if resp.Parameters != nil {
		out.Parameters = resp.Parameters
	}
	if st := resp.Header.Status; st.IsError() {
		if !x.req.Header.ContinueOnError {
			return nil, &domain.Error{
				Kind:       domain.KindUpstream,
				Deployment: n.Name,
				Message:    st.Description,
				Err:        errors.New(st.Description),
			}
		}
		failed := *st
		if failed.Executor == "" {
			failed.Executor = n.Name
		}
		out.Docs = nil
		if !n.Terminal() {
			out.Docs = in.Docs
		}
		out.AddError(n.Name, &failed)
		x.e.logger.Warn("node failed, continuing",
			zap.String("request_id", x.req.Header.RequestID),
			zap.String("node", n.Name),
			zap.String("error", failed.Description),
		)
	}
	for node, st := range resp.Header.Errors {
		if _, ok := out.Header.Errors[node]; !ok {
			out.AddError(node, st)
		}
	}
	out.AddRoute(n.Name, start, end)
	return out, nil
}

func nodeError(ctx context.Context, n *Node, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var de *domain.Error
	if errors.As(err, &de) {
		if de.Deployment == "" {
			c := *de
			c.Deployment = n.Name
			return &c
		}
		return de
	}
	return rpc.FromStatus(ctx, n.Name, err)
}
