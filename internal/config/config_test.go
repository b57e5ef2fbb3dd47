package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := Config{Graph: GraphConfig{File: "config/graph.yaml"}}
	cfg.ApplyDefaults()
	return cfg
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			"grpc port",
			func(c *Config) { c.GRPC.Port = 70000 },
			"grpc.port must be between 1 and 65535, got 70000",
		},
		{
			"compression",
			func(c *Config) { c.GRPC.Compression = "brotli" },
			`grpc.compression must be one of none, gzip, zstd, lz4, got "brotli"`,
		},
		{
			"http port when enabled",
			func(c *Config) { c.HTTP.Enabled = true; c.HTTP.Port = -1 },
			"http.port must be between 1 and 65535, got -1",
		},
		{
			"graph file missing",
			func(c *Config) { c.Graph.File = "" },
			`graph.file is required when graph.source is "file"`,
		},
		{
			"graph from redis without database",
			func(c *Config) { c.Graph.Source = "redis" },
			`graph.source "redis" requires database.enabled`,
		},
		{
			"graph source unknown",
			func(c *Config) { c.Graph.Source = "etcd" },
			`graph.source must be "file" or "redis", got "etcd"`,
		},
		{
			"retries",
			func(c *Config) { c.Pool.Retries = -2 },
			"pool.retries must be >= -1, got -2",
		},
		{
			"database addrs",
			func(c *Config) { c.Database.Enabled = true },
			"database.addrs is required when database.enabled",
		},
		{
			"registry without database",
			func(c *Config) { c.Registry.Enabled = true },
			"registry.enabled requires database.enabled",
		},
		{
			"polling",
			func(c *Config) { c.Head.Polling = "some" },
			`head.polling must be "any" or "all", got "some"`,
		},
		{
			"empty shard",
			func(c *Config) { c.Head.Shards = [][]string{{"a:1"}, {}} },
			"head.shards[1] must list at least one replica",
		},
		{
			"log level",
			func(c *Config) { c.Logging.Level = "trace" },
			`logging.level must be debug, info, warn or error, got "trace"`,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if err.Error() != tc.want {
				t.Errorf("unexpected error message:\ngot:  %q\nwant: %q", err.Error(), tc.want)
			}
		})
	}
}

func TestValidate_HTTPPortIgnoredWhenDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.HTTP.Port = -1
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateHead(t *testing.T) {
	cfg := validConfig()
	if err := cfg.ValidateHead(); err == nil {
		t.Fatal("expected error for missing deployment")
	}
	cfg.Head.Deployment = "indexer"
	if err := cfg.ValidateHead(); err == nil {
		t.Fatal("expected error for missing shards")
	}
	cfg.Head.Shards = [][]string{{"s0:1"}, {"s1:1"}}
	if err := cfg.ValidateHead(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.ApplyDefaults()

	if cfg.GRPC.Port != 51000 {
		t.Errorf("expected grpc port 51000, got %d", cfg.GRPC.Port)
	}
	if cfg.GRPC.Compression != "none" {
		t.Errorf("expected compression none, got %q", cfg.GRPC.Compression)
	}
	if cfg.GRPC.MaxMessageSize() != 64<<20 {
		t.Errorf("expected 64MB max message, got %d", cfg.GRPC.MaxMessageSize())
	}
	if cfg.HTTP.ReadTimeoutSec != 10 || cfg.HTTP.WriteTimeoutSec != 30 || cfg.HTTP.ShutdownSec != 10 {
		t.Errorf("unexpected http timeouts: %+v", cfg.HTTP)
	}
	if cfg.Graph.Source != "file" {
		t.Errorf("expected graph source file, got %q", cfg.Graph.Source)
	}
	if cfg.Pool.HealthInterval() != 5*time.Second || cfg.Pool.Cooldown() != 5*time.Second {
		t.Errorf("unexpected pool timings: %+v", cfg.Pool)
	}
	if cfg.Pool.Retries != 0 {
		t.Errorf("expected no pool retries by default, got %d", cfg.Pool.Retries)
	}
	if cfg.Database.Namespace != "flowgate" || cfg.Database.ReadinessWait() != 10*time.Second {
		t.Errorf("unexpected database defaults: %+v", cfg.Database)
	}
	if cfg.Registry.PollInterval() != 5*time.Second {
		t.Errorf("expected 5s poll interval, got %s", cfg.Registry.PollInterval())
	}
	if cfg.Head.Polling != "any" {
		t.Errorf("expected polling any, got %q", cfg.Head.Polling)
	}
}

func TestApplyDefaults_NoOverride(t *testing.T) {
	cfg := Config{
		GRPC:     GRPCConfig{Port: 9000, Compression: "zstd", ShutdownSec: 3},
		HTTP:     HTTPConfig{ReadTimeoutSec: 30, WriteTimeoutSec: 60, ShutdownSec: 5},
		Pool:     PoolConfig{Retries: -1, CooldownSec: 1},
		Database: DatabaseConfig{ReadinessTimeout: 15, Namespace: "custom"},
		Head:     HeadConfig{Polling: "all"},
	}
	cfg.ApplyDefaults()

	if cfg.GRPC.Port != 9000 || cfg.GRPC.Compression != "zstd" || cfg.GRPC.ShutdownTimeout() != 3*time.Second {
		t.Errorf("grpc settings overridden: %+v", cfg.GRPC)
	}
	if cfg.HTTP.ReadTimeoutSec != 30 || cfg.HTTP.WriteTimeoutSec != 60 {
		t.Errorf("http settings overridden: %+v", cfg.HTTP)
	}
	if cfg.Pool.Retries != -1 || cfg.Pool.Cooldown() != time.Second {
		t.Errorf("pool settings overridden: %+v", cfg.Pool)
	}
	if cfg.Database.Namespace != "custom" {
		t.Errorf("expected namespace custom, got %q", cfg.Database.Namespace)
	}
	if cfg.Head.Polling != "all" {
		t.Errorf("expected polling all, got %q", cfg.Head.Polling)
	}
}

func TestParse_ExpandsEnv(t *testing.T) {
	t.Setenv("FLOWGATE_TEST_PORT", "52000")
	t.Setenv("FLOWGATE_TEST_EMPTY", "")

	cfg, err := Parse([]byte(`
grpc:
  port: ${FLOWGATE_TEST_PORT}
  compression: ${FLOWGATE_TEST_EMPTY:-gzip}
graph:
  file: ${FLOWGATE_TEST_UNSET:-config/graph.yaml}
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GRPC.Port != 52000 {
		t.Errorf("expected port 52000, got %d", cfg.GRPC.Port)
	}
	if cfg.GRPC.Compression != "gzip" {
		t.Errorf("expected gzip, got %q", cfg.GRPC.Compression)
	}
	if cfg.Graph.File != "config/graph.yaml" {
		t.Errorf("expected default graph file, got %q", cfg.Graph.File)
	}
}

func TestParse_Invalid(t *testing.T) {
	if _, err := Parse([]byte("grpc: [")); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := Parse([]byte("graph:\n  source: etcd\n")); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.yaml")
	data := []byte("graph:\n  file: g.yaml\nhead:\n  deployment: indexer\n  shards:\n    - [s0a:1, s0b:1]\n    - [s1a:1]\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Head.Shards) != 2 || len(cfg.Head.Shards[0]) != 2 {
		t.Errorf("unexpected shards: %v", cfg.Head.Shards)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error")
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("ENV", "")
	if got := GetEnv(); got != "local" {
		t.Errorf("expected local, got %q", got)
	}
	t.Setenv("ENV", "prod")
	if got := GetEnv(); got != "prod" {
		t.Errorf("expected prod, got %q", got)
	}
}
