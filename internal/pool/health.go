package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/flowgate/internal/metrics"
)

const probeTimeout = 2 * time.Second

// StartHealthChecks probes every dialed channel each interval until ctx is
// done. A failed probe takes the channel out of selection for the cool-down;
// a passing probe returns it to Ready.
func (p *Pool) StartHealthChecks(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeAll(ctx)
			}
		}
	}()
}

// ProbeAll runs one health probe round.
func (p *Pool) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	channels := make([]*channel, 0, len(p.channels))
	for _, c := range p.channels {
		channels = append(channels, c)
	}
	p.mu.Unlock()

	for _, c := range channels {
		p.probe(ctx, c)
	}
}

func (p *Pool) probe(ctx context.Context, c *channel) {
	conn, ok := c.probeConn()
	if !ok {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if err := conn.Check(pctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.PoolHealthProbeFailures.WithLabelValues(c.address).Inc()
		if c.markUnhealthy(p.now().Add(p.cooldown)) {
			p.logger.Warn("channel unhealthy",
				zap.String("address", c.address),
				zap.Duration("cooldown", p.cooldown),
				zap.Error(err),
			)
		}
		return
	}
	c.markHealthy()
}
