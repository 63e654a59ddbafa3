package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 15
auth:
  enabled: true
  api_key: secret
batch:
  slice_size: 250
  max_workers: 6
  required_fields: ["sku", "price"]
pool:
  workers: 12
  queue_size: 4
progress:
  store: redis
  refresh: "@every 500ms"
  counter: bitset
redis:
  addr: redis:6379
  ttl_seconds: 60
storage:
  backend: local
  local_dir: /tmp/records
logging:
  development: false
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Batch.SliceSize != 250 || cfg.Batch.MaxWorkers != 6 {
		t.Fatalf("expected batch overrides to apply: %+v", cfg.Batch)
	}
	if len(cfg.Batch.RequiredFields) != 2 || cfg.Batch.RequiredFields[1] != "price" {
		t.Fatalf("expected required fields to load: %+v", cfg.Batch.RequiredFields)
	}
	if cfg.Pool.Workers != 12 || cfg.Pool.QueueSize != 4 {
		t.Fatalf("expected pool overrides to apply: %+v", cfg.Pool)
	}
	if cfg.Progress.Store != BackendRedis || cfg.Progress.Counter != "bitset" {
		t.Fatalf("expected progress overrides to apply: %+v", cfg.Progress)
	}
	if cfg.Progress.AlmostDone != 0.999 {
		t.Fatalf("expected default almost_done, got %v", cfg.Progress.AlmostDone)
	}
	if got := cfg.RedisTTL(); got != time.Minute {
		t.Fatalf("expected redis ttl 1m, got %v", got)
	}
	if got := cfg.RequestTimeout(); got != 15*time.Second {
		t.Fatalf("expected request timeout 15s, got %v", got)
	}
	if cfg.Storage.Backend != BackendLocal || cfg.Storage.Prefix != "records" {
		t.Fatalf("expected storage overrides with default prefix: %+v", cfg.Storage)
	}
	if cfg.Logging.Development {
		t.Fatalf("expected production logging")
	}
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Pool.Workers != 8 || cfg.Batch.SliceSize != 500 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Progress.Store != BackendMemory || cfg.Storage.Backend != BackendNone || cfg.PubSub.Backend != BackendNone {
		t.Fatalf("expected in-process backends by default: %+v", cfg)
	}
	if cfg.DB.RecordsTable != "task_records" || cfg.MaxConnLifetime() != 30*time.Minute {
		t.Fatalf("unexpected db defaults: %+v", cfg.DB)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("BULKOPS_POOL_WORKERS", "3")
	t.Setenv("BULKOPS_PROGRESS_COUNTER", "plain")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Workers != 3 {
		t.Fatalf("expected env pool.workers=3, got %d", cfg.Pool.Workers)
	}
	if cfg.Progress.Counter != "plain" {
		t.Fatalf("expected env counter plain, got %q", cfg.Progress.Counter)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080},
		Batch:    BatchConfig{SliceSize: 10, MaxWorkers: 2},
		Pool:     PoolConfig{Workers: 2},
		Progress: ProgressConfig{Store: BackendMemory, Counter: "atomic", AlmostDone: 0.999},
		Storage:  StorageConfig{Backend: BackendNone},
		PubSub:   PubSubConfig{Backend: BackendNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "submit rps", mutate: func(c *Config) { c.Server.SubmitRPS = -1 }, want: "server.submit_rps"},
		{name: "auth missing api key", mutate: func(c *Config) { c.Auth.Enabled = true }, want: "auth.api_key"},
		{name: "slice size", mutate: func(c *Config) { c.Batch.SliceSize = 0 }, want: "batch.slice_size"},
		{name: "max workers", mutate: func(c *Config) { c.Batch.MaxWorkers = 0 }, want: "batch.max_workers"},
		{name: "pool workers", mutate: func(c *Config) { c.Pool.Workers = 0 }, want: "pool.workers"},
		{name: "progress store", mutate: func(c *Config) { c.Progress.Store = "etcd" }, want: "progress.store"},
		{name: "redis addr", mutate: func(c *Config) { c.Progress.Store = BackendRedis }, want: "redis.addr"},
		{name: "counter", mutate: func(c *Config) { c.Progress.Counter = "sharded" }, want: "progress.counter"},
		{name: "almost done", mutate: func(c *Config) { c.Progress.AlmostDone = 1 }, want: "progress.almost_done"},
		{name: "gcs bucket", mutate: func(c *Config) { c.Storage.Backend = BackendGCS }, want: "storage.gcs_bucket"},
		{name: "pubsub topic", mutate: func(c *Config) { c.PubSub.Backend = BackendPubSub }, want: "pubsub.project_id"},
		{name: "sample ratio", mutate: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
