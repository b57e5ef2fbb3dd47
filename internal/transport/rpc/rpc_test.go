package rpc

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/document"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
)

// --- Mocks ---

type fakeHandler struct {
	process   func(ctx context.Context, req *request.Request) (*request.Response, error)
	endpoints []string
}

func (h *fakeHandler) Process(ctx context.Context, req *request.Request) (*request.Response, error) {
	if h.process != nil {
		return h.process(ctx, req)
	}
	resp := req.Copy()
	for _, d := range resp.Docs {
		d.Text = "seen " + d.ID
	}
	return resp, nil
}

func (h *fakeHandler) Endpoints(context.Context) ([]string, error) {
	return h.endpoints, nil
}

// --- Helpers ---

func start(t *testing.T, h Handler, opts ...ServerOption) (*Server, *bufconn.Listener) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(h, zap.NewNop(), opts...)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv, lis
}

func dial(t *testing.T, lis *bufconn.Listener, opts ...DialOption) *Client {
	t.Helper()
	opts = append(opts, WithGRPCOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})))
	c, err := Dial("passthrough:///bufnet", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func newRequest(ids ...string) *request.Request {
	docs := make([]*document.Document, len(ids))
	for i, id := range ids {
		docs[i] = document.New(id, "")
	}
	return request.New("/index", docs)
}

// --- Tests ---

func TestProcess_Compression(t *testing.T) {
	_, lis := start(t, &fakeHandler{})
	for _, name := range []string{CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4} {
		t.Run(name, func(t *testing.T) {
			c := dial(t, lis, WithCompression(name))
			req := newRequest("a", "b")
			req.Docs[0].Embedding = []float32{0.5, 1.5}

			resp, _, err := c.Process(context.Background(), req)
			require.NoError(t, err)
			require.Len(t, resp.Docs, 2)
			assert.Equal(t, req.Header.RequestID, resp.Header.RequestID)
			assert.Equal(t, "seen a", resp.Docs[0].Text)
			assert.Equal(t, []float32{0.5, 1.5}, resp.Docs[0].Embedding)
		})
	}
}

func TestDial_UnknownCompression(t *testing.T) {
	_, err := Dial("passthrough:///bufnet", WithCompression("brotli"))
	require.Error(t, err)
}

func TestProcess_StatusErrorCarriesMetadata(t *testing.T) {
	h := &fakeHandler{process: func(ctx context.Context, _ *request.Request) (*request.Response, error) {
		_ = grpc.SetHeader(ctx, metadata.Pairs("worker", "w1"))
		_ = grpc.SetTrailer(ctx, metadata.Pairs("retry-hint", "later"))
		return nil, status.Error(codes.Unavailable, "warming up")
	}}
	_, lis := start(t, h)
	c := dial(t, lis)

	_, md, err := c.Process(context.Background(), newRequest("a"))
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, codes.Unavailable, se.Code())
	assert.Equal(t, "warming up", se.Message())
	assert.Equal(t, []string{"w1"}, se.Header.Get("worker"))
	v, ok := se.TrailerValue("retry-hint")
	assert.True(t, ok)
	assert.Equal(t, "later", v)
	assert.Equal(t, []string{"later"}, md.Get("retry-hint"))
	assert.Equal(t, domain.KindTransient, Classify(context.Background(), err))
}

func TestProcess_PlainHandlerErrorBecomesUpstreamStatus(t *testing.T) {
	h := &fakeHandler{process: func(context.Context, *request.Request) (*request.Response, error) {
		return nil, errors.New("model not loaded")
	}}
	_, lis := start(t, h, WithName("encoder"))
	c := dial(t, lis)

	req := newRequest("a")
	resp, _, err := c.Process(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp.Header.Status)
	assert.True(t, resp.Header.Status.IsError())
	assert.Equal(t, "encoder", resp.Header.Status.Executor)
	assert.Contains(t, resp.Header.Status.Description, "model not loaded")
	assert.Equal(t, req.Header.RequestID, resp.Header.RequestID)
}

func TestProcess_KindedErrorFailsCall(t *testing.T) {
	h := &fakeHandler{process: func(context.Context, *request.Request) (*request.Response, error) {
		return nil, domain.NewError(domain.KindTransient, "idx", domain.ErrNoHealthyReplica)
	}}
	_, lis := start(t, h)
	c := dial(t, lis)

	_, _, err := c.Process(context.Background(), newRequest("a"))
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestProcess_MalformedResponse(t *testing.T) {
	h := &fakeHandler{process: func(_ context.Context, req *request.Request) (*request.Response, error) {
		resp := req.Copy()
		resp.Header.RequestID = "someone-else"
		return resp, nil
	}}
	_, lis := start(t, h)
	c := dial(t, lis)

	_, _, err := c.Process(context.Background(), newRequest("a"))
	require.ErrorIs(t, err, domain.ErrMalformedResponse)
	assert.Equal(t, domain.KindProtocol, domain.KindOf(err))
}

func TestProcess_CallerDeadline(t *testing.T) {
	h := &fakeHandler{process: func(ctx context.Context, _ *request.Request) (*request.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	_, lis := start(t, h)
	c := dial(t, lis)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err := c.Process(ctx, newRequest("a"))
	require.Error(t, err)
	assert.Equal(t, domain.KindDeadlineExceeded, Classify(ctx, err))
}

func TestDiscover(t *testing.T) {
	_, lis := start(t, &fakeHandler{endpoints: []string{"/search", "/index"}})
	c := dial(t, lis)

	got, err := c.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/index", "/search"}, got)
}

func TestCheck(t *testing.T) {
	srv, lis := start(t, &fakeHandler{})
	c := dial(t, lis)

	require.NoError(t, c.Check(context.Background()))
	srv.SetServing(false)
	require.Error(t, c.Check(context.Background()))
	srv.SetServing(true)
	require.NoError(t, c.Check(context.Background()))
}

func TestStream(t *testing.T) {
	_, lis := start(t, &fakeHandler{})
	c := dial(t, lis, WithCompression(CompressionZstd))

	stream, err := c.Stream(context.Background())
	require.NoError(t, err)

	sent := map[string]bool{}
	for _, id := range []string{"a", "b", "c"} {
		req := newRequest(id)
		sent[req.Header.RequestID] = true
		require.NoError(t, stream.Send(req))
	}
	require.NoError(t, stream.CloseSend())

	got := 0
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		assert.True(t, sent[resp.Header.RequestID])
		assert.Equal(t, "seen "+resp.Docs[0].ID, resp.Docs[0].Text)
		got++
	}
	assert.Equal(t, 3, got)
}

func TestStream_FailedRequestEndsOpenStream(t *testing.T) {
	_, lis := start(t, &fakeHandler{process: func(ctx context.Context, req *request.Request) (*request.Response, error) {
		if req.Docs[0].ID == "bad" {
			return nil, domain.NewError(domain.KindTransient, "indexer", errors.New("replica went away"))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return req, nil
		}
	}})
	c := dial(t, lis)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	stream, err := c.Stream(ctx)
	require.NoError(t, err)

	// the client never half-closes
	require.NoError(t, stream.Send(newRequest("bad")))
	require.NoError(t, stream.Send(newRequest("good")))

	begin := time.Now()
	_, err = stream.Recv()
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
	assert.Less(t, time.Since(begin), time.Second)
}

func TestStream_ClientCancelReachesHandler(t *testing.T) {
	released := make(chan struct{})
	_, lis := start(t, &fakeHandler{process: func(ctx context.Context, req *request.Request) (*request.Response, error) {
		<-ctx.Done()
		close(released)
		return nil, ctx.Err()
	}})
	c := dial(t, lis)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.Stream(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(newRequest("a")))
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err = stream.Recv()
	assert.Equal(t, codes.Canceled, status.Code(err))
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("handler did not observe cancellation")
	}
}
