package pool

import "time"

const defaultCooldown = 5 * time.Second

// Option customises a Pool.
type Option func(*Pool)

// WithRetries sets how many extra replicas SendRequestsOnce tries after a
// retriable failure. A negative value means max(3, replicas)+1 tries in total.
func WithRetries(n int) Option {
	return func(p *Pool) { p.retries = n }
}

// WithCooldown sets how long a channel that failed a health probe stays out of selection.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

type target struct {
	head     bool
	shard    int
	hasShard bool
}

// TargetOption narrows the endpoints an operation applies to.
type TargetOption func(*target)

// Head targets the head-pool of a deployment.
func Head() TargetOption {
	return func(t *target) { t.head = true }
}

// Shard targets the replicas of shard i. Without it, sends pick the shard
// from the request shard key and registrations go to shard 0.
func Shard(i int) TargetOption {
	return func(t *target) {
		t.shard = i
		t.hasShard = true
	}
}

func resolveTarget(opts []TargetOption) target {
	var t target
	for _, o := range opts {
		o(&t)
	}
	return t
}
