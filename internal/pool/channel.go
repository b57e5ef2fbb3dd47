package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kailas-cloud/flowgate/internal/metrics"
)

// State is the lifecycle position of a channel.
type State int

// Channel states.
const (
	StateCreating State = iota
	StateReady
	StateUnhealthy
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateReady:
		return "ready"
	case StateUnhealthy:
		return "unhealthy"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// channel is a ref-counted transport connection shared by every
// registration of the same address.
type channel struct {
	address string

	mu             sync.Mutex
	state          State
	conn           Conn
	regs           int
	inflight       int
	drained        chan struct{}
	unhealthyUntil time.Time
}

func newChannel(address string) *channel {
	metrics.PoolChannels.WithLabelValues(StateCreating.String()).Inc()
	return &channel{address: address, state: StateCreating, drained: make(chan struct{})}
}

func (c *channel) setState(s State) {
	if c.state == s {
		return
	}
	metrics.PoolChannels.WithLabelValues(c.state.String()).Dec()
	metrics.PoolChannels.WithLabelValues(s.String()).Inc()
	c.state = s
}

// State returns the current state.
func (c *channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// selectable reports whether the channel may serve a call now. An unhealthy
// channel whose cool-down elapsed returns to Ready for a trial call.
func (c *channel) selectable(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateCreating, StateReady:
		return true
	case StateUnhealthy:
		if !now.Before(c.unhealthyUntil) {
			c.setState(StateReady)
			return true
		}
	}
	return false
}

// acquire pins the channel for one call, dialing on first use.
func (c *channel) acquire(dial Dialer) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDraining || c.state == StateClosed {
		return nil, fmt.Errorf("channel %s is %s", c.address, c.state)
	}
	if c.conn == nil {
		conn, err := dial(c.address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.address, err)
		}
		c.conn = conn
		c.setState(StateReady)
	}
	c.inflight++
	return c.conn, nil
}

func (c *channel) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inflight--
	if c.state == StateDraining && c.inflight == 0 {
		close(c.drained)
	}
}

// markUnhealthy starts or extends the cool-down. It reports whether the
// channel just left Ready.
func (c *channel) markUnhealthy(until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateUnhealthy:
		c.unhealthyUntil = until
		return false
	case StateReady:
	default:
		return false
	}
	c.unhealthyUntil = until
	c.setState(StateUnhealthy)
	return true
}

func (c *channel) markHealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateUnhealthy {
		c.setState(StateReady)
	}
}

// probeConn returns the dialed connection if the channel is eligible for probing.
func (c *channel) probeConn() (Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || (c.state != StateReady && c.state != StateUnhealthy) {
		return nil, false
	}
	return c.conn, true
}

// drain moves the channel to Draining, waits for in-flight calls and closes it.
func (c *channel) drain(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateDraining {
		c.mu.Unlock()
		return nil
	}
	c.setState(StateDraining)
	if c.inflight == 0 {
		close(c.drained)
	}
	c.mu.Unlock()

	select {
	case <-c.drained:
		return c.close()
	case <-ctx.Done():
		// in-flight calls fail with the connection
		_ = c.close()
		return fmt.Errorf("drain %s: %w", c.address, ctx.Err())
	}
}

func (c *channel) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setState(StateClosed)
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.address, err)
	}
	return nil
}
