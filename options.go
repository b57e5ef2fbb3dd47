package flowgate

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/kailas-cloud/flowgate/internal/usecase/retry"
)

// Option configures the Client.
type Option interface {
	apply(*clientConfig)
}

// optionFunc adapts a function to the Option interface.
type optionFunc func(*clientConfig)

func (f optionFunc) apply(c *clientConfig) { f(c) }

type clientConfig struct {
	compression string
	tls         *tls.Config
	maxMsgSize  int
	grpcOpts    []grpc.DialOption

	logger     *slog.Logger
	metricsReg prometheus.Registerer
}

// WithCompression selects the wire compressor: none, gzip, zstd or lz4.
func WithCompression(name string) Option {
	return optionFunc(func(c *clientConfig) {
		c.compression = name
	})
}

// WithTLS enables transport security.
func WithTLS(cfg *tls.Config) Option {
	return optionFunc(func(c *clientConfig) {
		c.tls = cfg
	})
}

// WithMaxMessageSize bounds sent and received messages. Default: 64 MiB.
func WithMaxMessageSize(n int) Option {
	return optionFunc(func(c *clientConfig) {
		c.maxMsgSize = n
	})
}

// WithDialOptions appends raw grpc dial options, e.g. a custom dialer.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return optionFunc(func(c *clientConfig) {
		c.grpcOpts = append(c.grpcOpts, opts...)
	})
}

// WithLogger enables structured logging for client operations.
// Pass nil to disable (default). Uses standard library slog.
func WithLogger(l *slog.Logger) Option {
	return optionFunc(func(c *clientConfig) {
		c.logger = l
	})
}

// WithPrometheus registers client metrics (operation counts, durations and
// retries) on the given registerer. Pass nil to disable (default).
func WithPrometheus(reg prometheus.Registerer) Option {
	return optionFunc(func(c *clientConfig) {
		c.metricsReg = reg
	})
}

const defaultRequestSize = 100

// PostOption configures one Post call.
type PostOption func(*postConfig)

type postConfig struct {
	requestSize     int
	retry           retry.Config
	timeout         time.Duration
	onDone          func(*Response)
	onError         func(*Response)
	onAlways        func(*Response)
	continueOnError bool
	stream          bool
	parameters      map[string]any
	targetExecutor  string
	shardKey        func(*Request) string
	prefetch        int
	rateLimit       float64
}

func defaultPostConfig() postConfig {
	return postConfig{
		requestSize: defaultRequestSize,
		retry:       retry.DefaultConfig(),
		prefetch:    1,
	}
}

// WithRequestSize sets the number of documents per request. Default: 100.
func WithRequestSize(n int) PostOption {
	return func(c *postConfig) { c.requestSize = n }
}

// WithMaxAttempts sets how many times a request is tried. Default: 1.
func WithMaxAttempts(n int) PostOption {
	return func(c *postConfig) { c.retry.MaxAttempts = n }
}

// WithInitialBackoff sets the sleep after the first failed attempt. Default: 0.5s.
func WithInitialBackoff(d time.Duration) PostOption {
	return func(c *postConfig) { c.retry.InitialBackoff = d }
}

// WithBackoffMultiplier sets the growth factor of the backoff ceiling. Default: 1.5.
func WithBackoffMultiplier(m float64) PostOption {
	return func(c *postConfig) { c.retry.BackoffMultiplier = m }
}

// WithMaxBackoff caps the backoff ceiling. Default: 2s.
func WithMaxBackoff(d time.Duration) PostOption {
	return func(c *postConfig) { c.retry.MaxBackoff = d }
}

// WithRetry replaces the whole retry policy.
func WithRetry(cfg RetryConfig) PostOption {
	return func(c *postConfig) { c.retry = cfg }
}

// WithTimeout bounds every attempt of every request. A timed out attempt
// counts as a transient failure and is retried.
func WithTimeout(d time.Duration) PostOption {
	return func(c *postConfig) { c.timeout = d }
}

// OnDone is called for every successful response.
func OnDone(fn func(*Response)) PostOption {
	return func(c *postConfig) { c.onDone = fn }
}

// OnError is called for every response carrying an error. Without it the
// first such response fails the Post.
func OnError(fn func(*Response)) PostOption {
	return func(c *postConfig) { c.onError = fn }
}

// OnAlways is called for every response, after OnDone or OnError.
func OnAlways(fn func(*Response)) PostOption {
	return func(c *postConfig) { c.onAlways = fn }
}

// ContinueOnError asks the gateway to record node failures in the response
// instead of aborting, and keeps Post sending after a failed request.
// Unhandled failures are joined into the returned error.
func ContinueOnError() PostOption {
	return func(c *postConfig) { c.continueOnError = true }
}

// WithStream sends requests over one bidirectional stream.
func WithStream() PostOption {
	return func(c *postConfig) { c.stream = true }
}

// WithParameters attaches scalar parameters to every request.
func WithParameters(params map[string]any) PostOption {
	return func(c *postConfig) { c.parameters = params }
}

// WithTargetExecutor restricts processing to nodes whose name matches expr.
func WithTargetExecutor(expr string) PostOption {
	return func(c *postConfig) { c.targetExecutor = expr }
}

// WithShardKey derives the shard key of each request.
func WithShardKey(fn func(*Request) string) PostOption {
	return func(c *postConfig) { c.shardKey = fn }
}

// WithPrefetch sets how many unary requests are in flight at once. Default: 1.
func WithPrefetch(n int) PostOption {
	return func(c *postConfig) { c.prefetch = n }
}

// WithRateLimit caps sent requests per second. Zero disables pacing.
func WithRateLimit(rps float64) PostOption {
	return func(c *postConfig) { c.rateLimit = rps }
}
