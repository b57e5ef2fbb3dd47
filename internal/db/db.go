// Package db declares the Redis contracts behind the topology repository.
package db

import (
	"context"
	"time"
)

// Store is what the gateway, the heads and flowctl need from Redis.
type Store interface {
	Pinger
	Reader
	Committer
	Close()
	WaitForReady(ctx context.Context, timeout time.Duration) error
}

// Pinger checks database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Reader serves the polling side: graph loads and registry watchers.
type Reader interface {
	Get(ctx context.Context, key string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HGetAllMulti reads several hashes in one round-trip; results are positional.
	HGetAllMulti(ctx context.Context, keys []string) ([]map[string]string, error)
	Scan(ctx context.Context, pattern string) ([]string, error)
}

// Mutation is one write applied by Commit. Exactly one of Value, Fields,
// Remove or Delete must be set.
type Mutation struct {
	Key    string
	Value  []byte            // SET
	Fields map[string]string // HSET
	Remove []string          // HDEL
	Delete bool              // DEL
}

// Committer applies mutations and increments a counter in one transaction
// so watchers never see a write without its revision bump.
type Committer interface {
	Commit(ctx context.Context, counter string, muts ...Mutation) (int64, error)
}
