package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kailas-cloud/flowgate/internal/domain/registry"
	"github.com/kailas-cloud/flowgate/internal/pool"
)

// --- Mocks ---

type mockRepo struct {
	mu       sync.Mutex
	revision int64
	regs     []registry.Registration
	listErr  error
	lists    int
}

func (m *mockRepo) set(rev int64, regs ...registry.Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revision = rev
	m.regs = regs
}

func (m *mockRepo) List(context.Context) ([]registry.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]registry.Registration(nil), m.regs...), nil
}

func (m *mockRepo) Revision(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision, nil
}

type mockConns struct {
	mu      sync.Mutex
	adds    []string
	removes []string
	addErr  error
}

func (m *mockConns) AddConnection(dep, address string, _ ...pool.TargetOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addErr != nil {
		return m.addErr
	}
	m.adds = append(m.adds, dep+"/"+address)
	return nil
}

func (m *mockConns) RemoveConnection(_ context.Context, dep, address string, _ ...pool.TargetOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removes = append(m.removes, dep+"/"+address)
	return nil
}

func (m *mockConns) snapshot() (adds, removes []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	adds = append([]string(nil), m.adds...)
	removes = append([]string(nil), m.removes...)
	sort.Strings(adds)
	sort.Strings(removes)
	return adds, removes
}

func reg(dep, addr string, shard int) registry.Registration {
	return registry.Registration{Deployment: dep, Address: addr, Shard: shard}
}

// --- Tests ---

func TestSync_AddsAndRemoves(t *testing.T) {
	repo := &mockRepo{}
	conns := &mockConns{}
	var changed []string
	w := New(Config{}, repo, conns, nil, OnChange(func(dep string) { changed = append(changed, dep) }))

	repo.set(1, reg("encoder", "h1:1", 0), reg("indexer", "h2:1", 1))
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adds, _ := conns.snapshot()
	if len(adds) != 2 || adds[0] != "encoder/h1:1" || adds[1] != "indexer/h2:1" {
		t.Fatalf("unexpected adds: %v", adds)
	}
	sort.Strings(changed)
	if len(changed) != 2 {
		t.Errorf("expected 2 changed deployments, got %v", changed)
	}

	repo.set(2, reg("encoder", "h1:1", 0), reg("encoder", "h3:1", 0))
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adds, removes := conns.snapshot()
	if len(adds) != 3 || adds[1] != "encoder/h3:1" {
		t.Errorf("unexpected adds: %v", adds)
	}
	if len(removes) != 1 || removes[0] != "indexer/h2:1" {
		t.Errorf("unexpected removes: %v", removes)
	}
	if owned := w.Owned(); len(owned) != 2 {
		t.Errorf("expected 2 owned registrations, got %v", owned)
	}
}

func TestSync_SkipsUnchangedRevision(t *testing.T) {
	repo := &mockRepo{}
	w := New(Config{}, repo, &mockConns{}, nil)

	repo.set(3, reg("encoder", "h1:1", 0))
	for i := 0; i < 3; i++ {
		if err := w.Sync(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if repo.lists != 1 {
		t.Errorf("expected a single List call, got %d", repo.lists)
	}
}

func TestSync_StaticAndFilter(t *testing.T) {
	repo := &mockRepo{}
	conns := &mockConns{}
	static := reg("encoder", "h1:1", 0)
	w := New(Config{Deployments: []string{"encoder"}}, repo, conns, nil, WithStatic([]registry.Registration{static}))

	repo.set(1, static, reg("encoder", "h2:1", 0), reg("indexer", "h3:1", 0))
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adds, _ := conns.snapshot()
	if len(adds) != 1 || adds[0] != "encoder/h2:1" {
		t.Fatalf("unexpected adds: %v", adds)
	}

	// dropping the static entry from the registry must not remove it from the pool
	repo.set(2, reg("encoder", "h2:1", 0))
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, removes := conns.snapshot(); len(removes) != 0 {
		t.Errorf("unexpected removes: %v", removes)
	}
}

func TestSync_SkipHeads(t *testing.T) {
	repo := &mockRepo{}
	conns := &mockConns{}
	w := New(Config{SkipHeads: true}, repo, conns, nil)

	head := registry.Registration{Deployment: "indexer", Address: "head:1", Head: true}
	repo.set(1, head, reg("indexer", "r0:1", 0), reg("indexer", "r1:1", 1))
	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	adds, _ := conns.snapshot()
	if len(adds) != 2 || adds[0] != "indexer/r0:1" || adds[1] != "indexer/r1:1" {
		t.Fatalf("unexpected adds: %v", adds)
	}
}

func TestSync_FailedAddIsRetried(t *testing.T) {
	repo := &mockRepo{}
	conns := &mockConns{addErr: errors.New("pool closed")}
	w := New(Config{}, repo, conns, nil)

	repo.set(1, reg("encoder", "h1:1", 0))
	if err := w.Sync(context.Background()); err == nil {
		t.Fatal("expected error")
	}

	conns.mu.Lock()
	conns.addErr = nil
	conns.mu.Unlock()

	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adds, _ := conns.snapshot(); len(adds) != 1 {
		t.Errorf("expected the add to be retried, got %v", adds)
	}
}

func TestSync_ListError(t *testing.T) {
	repo := &mockRepo{listErr: errors.New("redis down")}
	repo.set(1)
	w := New(Config{}, repo, &mockConns{}, nil)

	if err := w.Sync(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := &mockRepo{}
	conns := &mockConns{}
	repo.set(1, reg("encoder", "h1:1", 0))
	w := New(Config{Interval: 10 * time.Millisecond}, repo, conns, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		if adds, _ := conns.snapshot(); len(adds) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not sync")
		case <-time.After(5 * time.Millisecond):
		}
	}

	repo.set(2, reg("encoder", "h1:1", 0), reg("encoder", "h2:1", 0))
	deadline = time.After(time.Second)
	for {
		if adds, _ := conns.snapshot(); len(adds) == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("watcher did not pick up the new revision")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSync_WithRealPool(t *testing.T) {
	p := pool.New(func(string) (pool.Conn, error) { return nil, errors.New("not dialed in this test") }, nil)
	repo := &mockRepo{}
	repo.set(1,
		registry.Registration{Deployment: "indexer", Address: "h0:1", Head: true},
		reg("indexer", "s0:1", 0),
		reg("indexer", "s1:1", 1),
	)
	w := New(Config{}, repo, p, nil)

	if err := w.Sync(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	n, err := p.ShardCount("indexer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 shards, got %d", n)
	}
	var heads int
	for _, s := range p.Snapshot() {
		if s.Head {
			heads++
		}
	}
	if heads != 1 {
		t.Errorf("expected 1 head endpoint, got %d", heads)
	}
}
