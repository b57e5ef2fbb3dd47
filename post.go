package flowgate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
	"github.com/kailas-cloud/flowgate/internal/usecase/retry"
)

// Post batches inputs into requests for endpoint, sends each one under the
// retry policy and passes every response to the callbacks. It returns once
// every request was answered, or on the first unhandled failure; in-flight
// requests are cancelled then.
func (c *Client) Post(ctx context.Context, endpoint string, inputs Inputs, opts ...PostOption) (err error) {
	start := time.Now()
	defer func() { c.obs.observe("post", start, err) }()

	if c.closed.Load() {
		return ErrClientClosed
	}
	if endpoint == "" {
		return errors.New("flowgate: endpoint is required")
	}
	if inputs == nil {
		return fmt.Errorf("flowgate: %w: no inputs", domain.ErrEmptyRequest)
	}

	cfg := defaultPostConfig()
	for _, o := range opts {
		o(&cfg)
	}
	eng, err := retry.New(cfg.retry)
	if err != nil {
		return fmt.Errorf("flowgate: %w", err)
	}

	s := &session{
		client:   c,
		cfg:      &cfg,
		endpoint: endpoint,
		retry:    eng,
		batches:  newBatcher(inputs, endpoint, &cfg),
	}
	if cfg.rateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.rateLimit), 1)
	}
	if cfg.stream {
		return s.runStreams(ctx)
	}
	return s.runUnary(ctx)
}

// session is the state of one Post call.
type session struct {
	client   *Client
	cfg      *postConfig
	endpoint string
	retry    *retry.Engine
	batches  *batcher
	limiter  *rate.Limiter

	// mu serializes callbacks
	mu     sync.Mutex
	failed []error
}

func (s *session) runUnary(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.prefetch, 1))

	var pullErr error
	for gctx.Err() == nil {
		req, err := s.batches.next(gctx)
		if err != nil {
			pullErr = err
			break
		}
		if req == nil {
			break
		}
		if err := s.pace(gctx); err != nil {
			pullErr = err
			break
		}
		g.Go(func() error {
			return s.sendUnary(gctx, req)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if pullErr != nil {
		return pullErr
	}
	return s.result()
}

func (s *session) sendUnary(ctx context.Context, req *Request) error {
	for attempt := 1; ; attempt++ {
		resp, err := s.attempt(ctx, req)
		if err == nil {
			return s.deliver(resp)
		}
		if !retriable(ctx, err) {
			return s.fail(ctx, retry.Raise(attempt, err))
		}
		if werr := s.retry.WaitOrRaise(ctx, attempt, err); werr != nil {
			return s.fail(ctx, werr)
		}
		s.client.obs.retry(s.endpoint, req.Header.RequestID, attempt, err)
	}
}

func (s *session) attempt(ctx context.Context, req *Request) (*Response, error) {
	if s.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.timeout)
		defer cancel()
	}
	resp, _, err := s.client.conn.Process(ctx, req)
	return resp, err
}

// runStreams keeps a Call stream open until every request is answered.
// A stream broken by a transient failure is reopened under the retry
// policy; attempts restart once a stream delivered a response.
func (s *session) runStreams(ctx context.Context) error {
	pending := newPendingSet()
	attempt := 0
	for {
		progress, err := s.runStream(ctx, pending)
		if err == nil {
			return s.result()
		}
		if progress {
			attempt = 0
		}
		attempt++
		if !retriable(ctx, err) {
			return retry.Raise(attempt, err)
		}
		if werr := s.retry.WaitOrRaise(ctx, attempt, err); werr != nil {
			return werr
		}
		s.client.obs.retry(s.endpoint, "", attempt, err)
	}
}

func (s *session) runStream(ctx context.Context, pending *pendingSet) (bool, error) {
	g, gctx := errgroup.WithContext(ctx)
	stream, err := s.client.conn.Stream(gctx)
	if err != nil {
		return false, err
	}
	var progress atomic.Bool

	send := func(req *Request) error {
		if err := s.pace(gctx); err != nil {
			return err
		}
		if err := stream.Send(req); err != nil {
			if errors.Is(err, io.EOF) {
				// the stream is gone; Recv reports why
				return errStreamClosed
			}
			return rpc.WrapStatus(err, nil, nil)
		}
		return nil
	}

	g.Go(func() error {
		for _, req := range pending.snapshot() {
			if err := send(req); err != nil {
				return ignoreClosed(err)
			}
		}
		for {
			req, err := s.batches.next(gctx)
			if err != nil {
				return err
			}
			if req == nil {
				break
			}
			pending.add(req)
			if err := send(req); err != nil {
				return ignoreClosed(err)
			}
		}
		return stream.CloseSend()
	})

	g.Go(func() error {
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				if n := pending.len(); n > 0 {
					return &domain.Error{
						Kind:    domain.KindTransient,
						Message: fmt.Sprintf("stream ended with %d unanswered requests", n),
					}
				}
				return nil
			}
			if err != nil {
				return rpc.WrapStatus(err, nil, nil)
			}
			if !pending.remove(resp.Header.RequestID) {
				continue
			}
			progress.Store(true)
			if err := s.deliver(resp); err != nil {
				return err
			}
		}
	})

	err = g.Wait()
	return progress.Load(), err
}

var errStreamClosed = errors.New("stream closed")

func ignoreClosed(err error) error {
	if errors.Is(err, errStreamClosed) {
		return nil
	}
	return err
}

func (s *session) pace(ctx context.Context) error {
	if s.limiter == nil {
		return nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return nil
}

// deliver runs the callbacks for resp. A failed response without OnError
// becomes the returned error.
func (s *session) deliver(resp *Response) error {
	s.client.obs.response(s.endpoint, resp)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	switch {
	case resp.HasError() && s.cfg.onError != nil:
		s.cfg.onError(resp)
	case resp.HasError():
		err = upstreamError(resp)
	case s.cfg.onDone != nil:
		s.cfg.onDone(resp)
	}
	if s.cfg.onAlways != nil {
		s.cfg.onAlways(resp)
	}
	if err != nil && s.cfg.continueOnError {
		s.failed = append(s.failed, err)
		return nil
	}
	return err
}

// fail handles a request that got no response. Under ContinueOnError the
// failure is collected unless the call itself was cancelled.
func (s *session) fail(ctx context.Context, err error) error {
	if !s.cfg.continueOnError || ctx.Err() != nil || rpc.IsCancellation(err) {
		return err
	}
	s.mu.Lock()
	s.failed = append(s.failed, err)
	s.mu.Unlock()
	s.client.obs.skipped(s.endpoint, err)
	return nil
}

func (s *session) result() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.failed...)
}

func retriable(ctx context.Context, err error) bool {
	return rpc.Classify(ctx, err).Retriable()
}

// upstreamError describes the first failed node of resp, or its header status.
func upstreamError(resp *Response) error {
	e := &domain.Error{Kind: domain.KindUpstream, Message: "upstream error"}
	if len(resp.Header.Errors) > 0 {
		node := slices.Min(slices.Collect(maps.Keys(resp.Header.Errors)))
		st := resp.Header.Errors[node]
		e.Deployment = node
		if st.Executor != "" {
			e.Deployment = st.Executor
		}
		e.Message = st.Description
		return e
	}
	if st := resp.Header.Status; st != nil {
		e.Deployment = st.Executor
		if st.Description != "" {
			e.Message = st.Description
		}
	}
	return e
}

// pendingSet tracks sent requests still waiting for a response, in send order.
type pendingSet struct {
	mu    sync.Mutex
	order []string
	reqs  map[string]*Request
}

func newPendingSet() *pendingSet {
	return &pendingSet{reqs: make(map[string]*Request)}
}

func (p *pendingSet) add(req *Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = append(p.order, req.Header.RequestID)
	p.reqs[req.Header.RequestID] = req
}

func (p *pendingSet) remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.reqs[id]; !ok {
		return false
	}
	delete(p.reqs, id)
	return true
}

// snapshot returns the unanswered requests in send order.
func (p *pendingSet) snapshot() []*Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.order = slices.DeleteFunc(p.order, func(id string) bool {
		_, ok := p.reqs[id]
		return !ok
	})
	out := make([]*Request, len(p.order))
	for i, id := range p.order {
		out[i] = p.reqs[id]
	}
	return out
}

func (p *pendingSet) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reqs)
}
