package topology

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"

	"github.com/kailas-cloud/flowgate/internal/db"
)

// --- Mocks ---

// memStore is an in-memory store; errFn injects failures per operation.
// Commit applies all mutations or none.
type memStore struct {
	mu      sync.Mutex
	kv      map[string][]byte
	hashes  map[string]map[string]string
	commits int
	errFn   func(op, key string) error
}

func newMemStore() *memStore {
	return &memStore{kv: map[string][]byte{}, hashes: map[string]map[string]string{}}
}

func (m *memStore) fail(op, key string) error {
	if m.errFn != nil {
		return m.errFn(op, key)
	}
	return nil
}

func (m *memStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(db.OpGet, key); err != nil {
		return nil, err
	}
	v, ok := m.kv[key]
	if !ok {
		return nil, db.ErrKeyNotFound
	}
	return v, nil
}

func (m *memStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(db.OpHGetAll, key); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for f, v := range m.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (m *memStore) HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error) {
	out := make([]map[string]string, len(keys))
	for i, k := range keys {
		h, err := m.HGetAll(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func (m *memStore) Scan(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail(db.OpScan, pattern); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *memStore) Commit(_ context.Context, counter string, muts ...db.Mutation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mut := range muts {
		if err := mut.Validate(); err != nil {
			return 0, err
		}
		if err := m.fail(db.OpCommit, mut.Key); err != nil {
			return 0, err
		}
	}
	for _, mut := range muts {
		switch {
		case mut.Value != nil:
			m.kv[mut.Key] = append([]byte(nil), mut.Value...)
		case len(mut.Fields) > 0:
			h := m.hashes[mut.Key]
			if h == nil {
				h = map[string]string{}
				m.hashes[mut.Key] = h
			}
			for k, v := range mut.Fields {
				h[k] = v
			}
		case len(mut.Remove) > 0:
			for _, f := range mut.Remove {
				delete(m.hashes[mut.Key], f)
			}
			if len(m.hashes[mut.Key]) == 0 {
				delete(m.hashes, mut.Key)
			}
		case mut.Delete:
			delete(m.hashes, mut.Key)
			delete(m.kv, mut.Key)
		}
	}
	m.commits++
	n, _ := strconv.ParseInt(string(m.kv[counter]), 10, 64)
	n++
	m.kv[counter] = []byte(strconv.FormatInt(n, 10))
	return n, nil
}
