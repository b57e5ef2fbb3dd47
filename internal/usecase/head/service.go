// Package head implements the sharding router in front of a deployment's replicas.
package head

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/pool"
	"github.com/kailas-cloud/flowgate/internal/usecase/reduce"
)

// Polling decides how many shards see a request.
type Polling string

// Polling modes.
const (
	// PollingAny sends to the one shard selected by the request shard key.
	PollingAny Polling = "any"
	// PollingAll sends to every shard and reduces their responses.
	PollingAll Polling = "all"
)

// Config describes the deployment behind the head.
type Config struct {
	Deployment string
	Polling    Polling
	// BroadcastEndpoints reach every replica of every shard.
	BroadcastEndpoints []string
}

// Service routes requests to shard replicas. It implements rpc.Handler.
type Service struct {
	cfg    Config
	sender Sender
	logger *zap.Logger
}

// New creates a Service.
func New(cfg Config, sender Sender, logger *zap.Logger) *Service {
	if cfg.Polling == "" {
		cfg.Polling = PollingAny
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{cfg: cfg, sender: sender, logger: logger}
}

// Process forwards req according to the polling mode.
func (s *Service) Process(ctx context.Context, req *request.Request) (*request.Response, error) {
	shards, err := s.sender.ShardCount(s.cfg.Deployment)
	if err != nil {
		return nil, domain.NewError(domain.KindTransient, s.cfg.Deployment, err)
	}

	switch {
	case slices.Contains(s.cfg.BroadcastEndpoints, req.Header.ExecEndpoint):
		return s.broadcast(ctx, req, shards)
	case s.cfg.Polling == PollingAll && shards > 1:
		return s.all(ctx, req, shards)
	default:
		resp, _, err := s.sender.SendRequestsOnce(ctx, []*request.Request{req}, s.cfg.Deployment)
		return resp, err
	}
}

// Endpoints answers discovery from shard 0.
func (s *Service) Endpoints(ctx context.Context) ([]string, error) {
	return s.sender.SendDiscoverEndpoint(ctx, s.cfg.Deployment, pool.Shard(0))
}

func (s *Service) all(ctx context.Context, req *request.Request, shards int) (*request.Response, error) {
	resps := make([]*request.Response, shards)
	g, gctx := errgroup.WithContext(ctx)
	for i := range shards {
		g.Go(func() error {
			resp, _, err := s.sender.SendRequestsOnce(gctx, []*request.Request{req}, s.cfg.Deployment, pool.Shard(i))
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			resps[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s.merge(req, resps), nil
}

func (s *Service) broadcast(ctx context.Context, req *request.Request, shards int) (*request.Response, error) {
	var pending []<-chan pool.Result
	for i := range shards {
		results, err := s.sender.SendRequests(ctx, []*request.Request{req}, s.cfg.Deployment, pool.Shard(i))
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		pending = append(pending, results...)
	}

	resps := make([]*request.Response, 0, len(pending))
	var firstErr error
	for _, ch := range pending {
		select {
		case r := <-ch:
			if r.Err != nil {
				s.logger.Warn("broadcast call failed", zap.String("address", r.Address), zap.Error(r.Err))
				if firstErr == nil {
					firstErr = r.Err
				}
				continue
			}
			resps = append(resps, r.Response)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return s.merge(req, resps), nil
}

func (s *Service) merge(req *request.Request, resps []*request.Response) *request.Response {
	out := reduce.ReduceAll(resps)
	if out == nil {
		out = req.Copy()
		out.Docs = nil
	}
	out.Header.RequestID = req.Header.RequestID
	return out
}
