package flowgate

import (
	"context"
	"sync"

	"github.com/kailas-cloud/flowgate/internal/domain/request"
)

// Inputs produces the documents of a Post call.
type Inputs interface {
	// next returns the next document; ok is false once the inputs are exhausted.
	next(ctx context.Context) (doc *Document, ok bool, err error)
}

type sliceInputs struct {
	docs []*Document
	pos  int
}

// Docs sends a finite sequence of documents.
func Docs(docs ...*Document) Inputs {
	return &sliceInputs{docs: docs}
}

func (s *sliceInputs) next(context.Context) (*Document, bool, error) {
	if s.pos >= len(s.docs) {
		return nil, false, nil
	}
	d := s.docs[s.pos]
	s.pos++
	return d, true, nil
}

type chanInputs struct {
	ch <-chan *Document
}

// Channel sends documents as they are received from ch until it is closed.
func Channel(ch <-chan *Document) Inputs {
	return &chanInputs{ch: ch}
}

func (c *chanInputs) next(ctx context.Context) (*Document, bool, error) {
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case d, ok := <-c.ch:
		return d, ok, nil
	}
}

// batcher cuts inputs into requests. It is safe for concurrent use.
// Documents read before a failed pull are kept for the next call.
type batcher struct {
	mu       sync.Mutex
	in       Inputs
	endpoint string
	cfg      *postConfig
	buf      []*Document
	done     bool
}

func newBatcher(in Inputs, endpoint string, cfg *postConfig) *batcher {
	return &batcher{in: in, endpoint: endpoint, cfg: cfg}
}

// next returns the next request, or nil once the inputs are exhausted.
func (b *batcher) next(ctx context.Context) (*Request, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := max(b.cfg.requestSize, 1)
	for !b.done && len(b.buf) < size {
		d, ok, err := b.in.next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			b.done = true
			break
		}
		b.buf = append(b.buf, d)
	}
	if len(b.buf) == 0 {
		return nil, nil
	}
	docs := b.buf
	b.buf = nil
	return b.build(docs)
}

func (b *batcher) build(docs []*Document) (*Request, error) {
	req := request.New(b.endpoint, docs)
	req.Header.TargetExecutor = b.cfg.targetExecutor
	req.Header.ContinueOnError = b.cfg.continueOnError
	for k, v := range b.cfg.parameters {
		if err := req.SetParameter(k, v); err != nil {
			return nil, err
		}
	}
	if b.cfg.shardKey != nil {
		req.Header.ShardKey = b.cfg.shardKey(req)
	}
	return req, nil
}
