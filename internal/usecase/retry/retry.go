// Package retry decides whether a failed call sleeps and tries again or
// surfaces a terminal error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/transport/rpc"
)

// Config bounds the number of attempts and the backoff between them.
type Config struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialBackoff    time.Duration `yaml:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// DefaultConfig performs a single attempt; callers opt into retries.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       1,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// Validate checks the config invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("%w: max_attempts must be >= 1, got %d", domain.ErrInvalidRetryConfig, c.MaxAttempts)
	case c.InitialBackoff <= 0:
		return fmt.Errorf("%w: initial_backoff must be positive", domain.ErrInvalidRetryConfig)
	case c.MaxBackoff <= 0:
		return fmt.Errorf("%w: max_backoff must be positive", domain.ErrInvalidRetryConfig)
	case c.BackoffMultiplier < 1:
		return fmt.Errorf("%w: backoff_multiplier must be >= 1, got %g", domain.ErrInvalidRetryConfig, c.BackoffMultiplier)
	case c.InitialBackoff > c.MaxBackoff:
		return fmt.Errorf("%w: initial_backoff %s exceeds max_backoff %s",
			domain.ErrInvalidRetryConfig, c.InitialBackoff, c.MaxBackoff)
	}
	return nil
}

// Ceiling is the upper bound of the sleep before attempt+1:
// min(initial * multiplier^(attempt-1), max).
func (c Config) Ceiling(attempt int) time.Duration {
	if attempt <= 1 {
		return c.InitialBackoff
	}
	d := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if d >= float64(c.MaxBackoff) || math.IsInf(d, 1) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}

// MaxTotalSleep bounds the sleep accumulated over attempts 1..n.
func (c Config) MaxTotalSleep(n int) time.Duration {
	var total time.Duration
	for k := 1; k <= n; k++ {
		total += c.Ceiling(k)
	}
	return total
}

// Option customises an Engine.
type Option func(*Engine)

// WithSleep replaces the context-aware sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(fn func() float64) Option {
	return func(e *Engine) { e.rand = fn }
}

// Engine applies a Config. It holds no mutable state and is safe for concurrent use.
type Engine struct {
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// New validates cfg and creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{cfg: cfg, sleep: sleepCtx, rand: rand.Float64}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Config returns the engine's settings.
func (e *Engine) Config() Config { return e.cfg }

// Backoff returns the sleep after a failed attempt: exactly the initial
// backoff after the first, a uniform draw from [0, Ceiling(attempt)] after later ones.
func (e *Engine) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return e.cfg.InitialBackoff
	}
	ceiling := e.cfg.Ceiling(attempt)
	return time.Duration(e.rand() * float64(ceiling+1))
}

// WaitOrRaise sleeps before the next attempt, or returns the terminal form of
// err once attempt reaches MaxAttempts. A nil return means "try again".
func (e *Engine) WaitOrRaise(ctx context.Context, attempt int, err error) error {
	if attempt < 1 || attempt > e.cfg.MaxAttempts {
		return &domain.Error{
			Kind:    domain.KindProgrammer,
			Message: fmt.Sprintf("attempt %d outside [1, %d]", attempt, e.cfg.MaxAttempts),
			Err:     domain.ErrInvalidAttempt,
		}
	}
	if attempt == e.cfg.MaxAttempts {
		return Raise(attempt, err)
	}
	if serr := e.sleep(ctx, e.Backoff(attempt)); serr != nil {
		return Raise(attempt, serr)
	}
	return nil
}

// WaitOrRaise is the function form of Engine.WaitOrRaise.
func WaitOrRaise(ctx context.Context, attempt int, err error, cfg Config) error {
	e, verr := New(cfg)
	if verr != nil {
		return &domain.Error{Kind: domain.KindProgrammer, Message: verr.Error(), Err: verr}
	}
	return e.WaitOrRaise(ctx, attempt, err)
}

// Raise converts err into the error surfaced after the final attempt.
// Cancellation becomes a Canceled status and status errors keep their code,
// message, details and metadata; both gain a client-attempts trailer. TLS
// failures pass through untouched, other connection failures become a
// domain.ConnectionError, and anything else passes through.
func Raise(attempt int, err error) error {
	attempts := strconv.Itoa(attempt)

	if errors.Is(err, context.Canceled) {
		return rpc.NewStatusError(codes.Canceled, err.Error()).WithTrailer(rpc.ClientAttemptsKey, attempts)
	}
	if se, ok := rpc.WrapStatus(err, nil, nil).(*rpc.StatusError); ok {
		return se.WithTrailer(rpc.ClientAttemptsKey, attempts)
	}
	if rpc.IsTLSError(err) {
		return err
	}
	if rpc.IsConnectionError(err) {
		return domain.NewConnectionError(err)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
