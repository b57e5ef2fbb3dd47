// Package config loads the YAML configuration shared by the gateway and head binaries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the flowgate runtime configuration.
type Config struct {
	GRPC     GRPCConfig     `yaml:"grpc"`
	HTTP     HTTPConfig     `yaml:"http"`
	Graph    GraphConfig    `yaml:"graph"`
	Pool     PoolConfig     `yaml:"pool"`
	Database DatabaseConfig `yaml:"database"`
	Registry RegistryConfig `yaml:"registry"`
	Head     HeadConfig     `yaml:"head"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// GRPCConfig holds the gRPC server settings.
type GRPCConfig struct {
	Port         int    `yaml:"port"`
	Compression  string `yaml:"compression"` // none, gzip, zstd, lz4
	MaxMessageMB int    `yaml:"max_message_mb"`
	ShutdownSec  int    `yaml:"shutdown_timeout_sec"`
}

// MaxMessageSize returns the message size limit in bytes.
func (c GRPCConfig) MaxMessageSize() int { return c.MaxMessageMB << 20 }

// ShutdownTimeout returns the graceful stop budget.
func (c GRPCConfig) ShutdownTimeout() time.Duration { return seconds(c.ShutdownSec) }

// HTTPConfig holds the HTTP gateway settings.
type HTTPConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Port            int      `yaml:"port"`
	ReadTimeoutSec  int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec int      `yaml:"write_timeout_sec"`
	ShutdownSec     int      `yaml:"shutdown_timeout_sec"`
	APIKeys         []string `yaml:"api_keys"` // "name=secret" or bare secrets; empty disables auth
}

// GraphConfig tells the gateway where to read the routing graph from.
type GraphConfig struct {
	Source string `yaml:"source"` // file, redis
	File   string `yaml:"file"`
}

// PoolConfig tunes connection pools.
type PoolConfig struct {
	HealthIntervalSec int `yaml:"health_interval_sec"`
	CooldownSec       int `yaml:"unhealthy_cooldown_sec"`
	Retries           int `yaml:"retries"` // -1: try max(3, replicas)+1 replicas
	DrainTimeoutSec   int `yaml:"drain_timeout_sec"`
}

// HealthInterval returns the probe period.
func (c PoolConfig) HealthInterval() time.Duration { return seconds(c.HealthIntervalSec) }

// Cooldown returns how long a failed endpoint stays out of selection.
func (c PoolConfig) Cooldown() time.Duration { return seconds(c.CooldownSec) }

// DrainTimeout bounds waiting for in-flight calls on shutdown.
func (c PoolConfig) DrainTimeout() time.Duration { return seconds(c.DrainTimeoutSec) }

// DatabaseConfig holds Redis connection settings.
type DatabaseConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Addrs            []string `yaml:"addrs"`
	MasterSet        string   `yaml:"master_set"` // sentinel mode when set
	Username         string   `yaml:"username"`
	Password         string   `yaml:"password"`
	DB               int      `yaml:"db"`
	Namespace        string   `yaml:"namespace"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// ReadinessWait returns how long start-up waits for Redis.
func (c DatabaseConfig) ReadinessWait() time.Duration { return seconds(c.ReadinessTimeout) }

// RegistryConfig controls the endpoint registry watcher.
type RegistryConfig struct {
	Enabled         bool     `yaml:"enabled"`
	PollIntervalSec int      `yaml:"poll_interval_sec"`
	Deployments     []string `yaml:"deployments"`
}

// PollInterval returns the registry poll period.
func (c RegistryConfig) PollInterval() time.Duration { return seconds(c.PollIntervalSec) }

// HeadConfig holds the settings of a head runtime.
type HeadConfig struct {
	Deployment         string     `yaml:"deployment"`
	Polling            string     `yaml:"polling"` // any, all
	BroadcastEndpoints []string   `yaml:"broadcast_endpoints"`
	Shards             [][]string `yaml:"shards"` // replica addresses per shard
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	return LoadFile(findConfigPath(env))
}

// LoadFile reads configuration from path.
func LoadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse expands ${VAR} references, decodes, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string) Config {
	cfg, err := Load(env)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 51000
	}
	if c.GRPC.Compression == "" {
		c.GRPC.Compression = "none"
	}
	if c.GRPC.MaxMessageMB <= 0 {
		c.GRPC.MaxMessageMB = 64
	}
	if c.GRPC.ShutdownSec <= 0 {
		c.GRPC.ShutdownSec = 10
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 30
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Graph.Source == "" {
		c.Graph.Source = "file"
	}
	if c.Pool.HealthIntervalSec <= 0 {
		c.Pool.HealthIntervalSec = 5
	}
	if c.Pool.CooldownSec <= 0 {
		c.Pool.CooldownSec = 5
	}
	if c.Pool.DrainTimeoutSec <= 0 {
		c.Pool.DrainTimeoutSec = 10
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Database.Namespace == "" {
		c.Database.Namespace = "flowgate"
	}
	if c.Registry.PollIntervalSec <= 0 {
		c.Registry.PollIntervalSec = 5
	}
	if c.Head.Polling == "" {
		c.Head.Polling = "any"
	}
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if err := validPort("grpc.port", c.GRPC.Port); err != nil {
		return err
	}
	if !slices.Contains([]string{"none", "gzip", "zstd", "lz4"}, c.GRPC.Compression) {
		return fmt.Errorf("grpc.compression must be one of none, gzip, zstd, lz4, got %q", c.GRPC.Compression)
	}
	if c.HTTP.Enabled {
		if err := validPort("http.port", c.HTTP.Port); err != nil {
			return err
		}
	}
	switch c.Graph.Source {
	case "file":
		if c.Graph.File == "" {
			return fmt.Errorf("graph.file is required when graph.source is \"file\"")
		}
	case "redis":
		if !c.Database.Enabled {
			return fmt.Errorf("graph.source \"redis\" requires database.enabled")
		}
	default:
		return fmt.Errorf("graph.source must be \"file\" or \"redis\", got %q", c.Graph.Source)
	}
	if c.Pool.Retries < -1 {
		return fmt.Errorf("pool.retries must be >= -1, got %d", c.Pool.Retries)
	}
	if c.Database.Enabled && len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required when database.enabled")
	}
	if c.Registry.Enabled && !c.Database.Enabled {
		return fmt.Errorf("registry.enabled requires database.enabled")
	}
	switch c.Head.Polling {
	case "any", "all":
	default:
		return fmt.Errorf("head.polling must be \"any\" or \"all\", got %q", c.Head.Polling)
	}
	for i, replicas := range c.Head.Shards {
		if len(replicas) == 0 {
			return fmt.Errorf("head.shards[%d] must list at least one replica", i)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	return nil
}

// ValidateHead checks the settings a head runtime needs on top of Validate.
// The graph section is not used by a head.
func (c *Config) ValidateHead() error {
	if c.Head.Deployment == "" {
		return fmt.Errorf("head.deployment is required")
	}
	if len(c.Head.Shards) == 0 && !c.Registry.Enabled {
		return fmt.Errorf("head.shards is required unless registry.enabled")
	}
	return nil
}

func validPort(path string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", path, port)
	}
	return nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
