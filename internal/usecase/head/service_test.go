package head

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/kailas-cloud/flowgate/internal/domain/document"
	"github.com/kailas-cloud/flowgate/internal/domain/request"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// --- Mocks ---

// replicaConn tags every document with the replica address.
type replicaConn struct {
	address string
	fail    bool

	mu    *sync.Mutex
	calls map[string]int
}

func (c *replicaConn) Process(_ context.Context, req *request.Request) (*request.Response, metadata.MD, error) {
	c.mu.Lock()
	c.calls[c.address]++
	c.mu.Unlock()
	if c.fail {
		return nil, nil, status.Error(codes.Unavailable, "replica down")
	}
	resp := req.Clone()
	for _, d := range resp.Docs {
		d.Tags = map[string]any{"replica": c.address}
	}
	if len(resp.Docs) == 0 {
		resp.Docs = []*document.Document{document.New(c.address, "")}
	}
	return resp, nil, nil
}

func (c *replicaConn) Discover(context.Context) ([]string, error) {
	return []string{"/index", "/search"}, nil
}

func (c *replicaConn) Check(context.Context) error { return nil }
func (c *replicaConn) Close() error                { return nil }

type cluster struct {
	mu    sync.Mutex
	calls map[string]int
	down  map[string]bool
}

func newCluster(t *testing.T, shards, replicas int) (*cluster, *pool.Pool) {
	t.Helper()
	c := &cluster{calls: map[string]int{}, down: map[string]bool{}}
	p := pool.New(func(address string) (pool.Conn, error) {
		return &replicaConn{address: address, fail: c.down[address], mu: &c.mu, calls: c.calls}, nil
	}, nil)
	for s := 0; s < shards; s++ {
		for r := 0; r < replicas; r++ {
			addr := string(rune('a'+s)) + string(rune('0'+r)) + ":1"
			if err := p.AddConnection("S", addr, pool.Shard(s)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
	}
	return c, p
}

func (c *cluster) count(address string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[address]
}

// --- Tests ---

func TestProcess_AnyRoutesByShardKey(t *testing.T) {
	c, p := newCluster(t, 2, 2)
	svc := New(Config{Deployment: "S"}, p, nil)

	responders := map[string]int{}
	for i := 0; i < 100; i++ {
		req := request.New("/index", []*document.Document{document.New("doc", "")})
		req.Header.ShardKey = string(rune('0' + i%10))
		resp, err := svc.Process(context.Background(), req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		responders[resp.Docs[0].Tags["replica"].(string)]++
	}

	if len(responders) != 4 {
		t.Fatalf("expected 4 distinct replicas, got %v", responders)
	}
	if c.count("a0:1")+c.count("a1:1") != 50 || c.count("b0:1")+c.count("b1:1") != 50 {
		t.Errorf("unbalanced shards: %v", responders)
	}
}

func TestProcess_AllReducesShards(t *testing.T) {
	_, p := newCluster(t, 3, 1)
	svc := New(Config{Deployment: "S", Polling: PollingAll}, p, nil)

	req := request.New("/search", nil)
	resp, err := svc.Process(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var ids []string
	for _, d := range resp.Docs {
		ids = append(ids, d.ID)
	}
	if !slices.Equal(ids, []string{"a0:1", "b0:1", "c0:1"}) {
		t.Errorf("expected one doc per shard in shard order, got %v", ids)
	}
	if resp.Header.RequestID != req.Header.RequestID {
		t.Error("request id not echoed")
	}
}

func TestProcess_AllFailsWhenAShardFails(t *testing.T) {
	c, p := newCluster(t, 2, 1)
	c.down["b0:1"] = true
	svc := New(Config{Deployment: "S", Polling: PollingAll}, p, nil)

	_, err := svc.Process(context.Background(), request.New("/search", nil))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected UNAVAILABLE, got %v", err)
	}
}

func TestProcess_BroadcastReachesEveryReplica(t *testing.T) {
	c, p := newCluster(t, 2, 2)
	svc := New(Config{Deployment: "S", BroadcastEndpoints: []string{"/reload"}}, p, nil)

	resp, err := svc.Process(context.Background(), request.New("/reload", nil))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(resp.Docs) != 4 {
		t.Errorf("expected 4 replies, got %d", len(resp.Docs))
	}
	for _, a := range []string{"a0:1", "a1:1", "b0:1", "b1:1"} {
		if c.count(a) != 1 {
			t.Errorf("%s called %d times", a, c.count(a))
		}
	}
}

func TestProcess_UnknownDeployment(t *testing.T) {
	_, p := newCluster(t, 1, 1)
	svc := New(Config{Deployment: "other"}, p, nil)
	if _, err := svc.Process(context.Background(), request.New("/index", nil)); err == nil {
		t.Fatal("expected error")
	}
}

func TestEndpoints(t *testing.T) {
	_, p := newCluster(t, 2, 1)
	svc := New(Config{Deployment: "S"}, p, nil)
	got, err := svc.Endpoints(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !slices.Equal(got, []string{"/index", "/search"}) {
		t.Errorf("unexpected endpoints %v", got)
	}
}

func TestProcess_Cancelled(t *testing.T) {
	_, p := newCluster(t, 2, 2)
	svc := New(Config{Deployment: "S", BroadcastEndpoints: []string{"/reload"}}, p, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Process(ctx, request.New("/reload", nil))
	if err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected nil or cancellation, got %v", err)
	}
}
