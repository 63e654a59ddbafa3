// Package config loads and validates bulkops configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/bulkops/internal/batch"
)

// Backend names shared by several sections.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Progress ProgressConfig `mapstructure:"progress"`
	Events   EventsConfig   `mapstructure:"events"`
	Redis    RedisConfig    `mapstructure:"redis"`
	DB       DBConfig       `mapstructure:"db"`
	Storage  StorageConfig  `mapstructure:"storage"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
	// SubmitRPS limits task submissions per client; zero disables the limit.
	SubmitRPS   float64 `mapstructure:"submit_rps"`
	SubmitBurst int     `mapstructure:"submit_burst"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BatchConfig governs how tasks are split and run.
type BatchConfig struct {
	// SliceSize is the number of items per slice for the default splitter.
	SliceSize int `mapstructure:"slice_size"`
	// MaxWorkers caps the workers used by one task, the inline one included.
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxItems rejects submissions above this size; zero disables the cap.
	MaxItems int `mapstructure:"max_items"`
	// RequiredFields is applied by the built-in json handler.
	RequiredFields []string `mapstructure:"required_fields"`
}

// PoolConfig sizes the shared background worker pool.
type PoolConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
	// AdmissionThreshold is the pool load at which new tasks are refused.
	// Zero uses the pool size.
	AdmissionThreshold int `mapstructure:"admission_threshold"`
}

// ProgressConfig selects the progress backing store and tracker behavior.
type ProgressConfig struct {
	// Store is memory or redis.
	Store string `mapstructure:"store"`
	// Refresh is a cron spec or descriptor such as "@every 1s".
	Refresh      string  `mapstructure:"refresh"`
	Counter      string  `mapstructure:"counter"`
	AlmostDone   float64 `mapstructure:"almost_done"`
	StrictFinish bool    `mapstructure:"strict_finish"`
}

// EventsConfig tunes the progress event hub.
type EventsConfig struct {
	LogEnabled    bool `mapstructure:"log_enabled"`
	BufferSize    int  `mapstructure:"buffer_size"`
	MaxBatch      int  `mapstructure:"max_batch_events"`
	MaxWaitMs     int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs int  `mapstructure:"sink_timeout_ms"`
}

// RedisConfig points at the distributed progress store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// records and runs in memory.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
	Migrate                bool   `mapstructure:"migrate"`
	RecordsTable           string `mapstructure:"records_table"`
	DetailsTable           string `mapstructure:"details_table"`
	RunsTable              string `mapstructure:"runs_table"`
}

// StorageConfig selects where finished records are archived as JSON blobs.
type StorageConfig struct {
	// Backend is none, memory, local, or gcs.
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// PubSubConfig holds metadata for summary notifications.
type PubSubConfig struct {
	// Backend is none, memory, or pubsub.
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig configures the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	return FromViper(v, path != "")
}

// FromViper binds defaults and environment overrides onto v and decodes it.
// When readFile is set the configured file must exist.
func FromViper(v *viper.Viper, readFile bool) (Config, error) {
	v.SetEnvPrefix("BULKOPS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if readFile {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// SetDefaults registers every default so environment variables can
// override keys that never appear in a file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("server.submit_rps", 0.0)
	v.SetDefault("server.submit_burst", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("batch.slice_size", batch.DefaultSliceSize)
	v.SetDefault("batch.max_workers", 4)
	v.SetDefault("batch.max_items", 0)
	v.SetDefault("batch.required_fields", []string{})
	v.SetDefault("pool.workers", 8)
	v.SetDefault("pool.queue_size", 0)
	v.SetDefault("pool.admission_threshold", 0)
	v.SetDefault("progress.store", BackendMemory)
	v.SetDefault("progress.refresh", "@every 1s")
	v.SetDefault("progress.counter", "atomic")
	v.SetDefault("progress.almost_done", 0.999)
	v.SetDefault("progress.strict_finish", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait_ms", 250)
	v.SetDefault("events.sink_timeout_ms", 5000)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "bulkops:progress:")
	v.SetDefault("redis.ttl_seconds", 86400)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.migrate", false)
	v.SetDefault("db.records_table", "task_records")
	v.SetDefault("db.details_table", "task_record_details")
	v.SetDefault("db.runs_table", "task_runs")
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.prefix", "records")
	v.SetDefault("storage.local_dir", "data/records")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "bulkops")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Server.SubmitRPS < 0 {
		errs = append(errs, errors.New("server.submit_rps must be >= 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Batch.SliceSize <= 0 {
		errs = append(errs, errors.New("batch.slice_size must be > 0"))
	}
	if c.Batch.MaxWorkers <= 0 {
		errs = append(errs, errors.New("batch.max_workers must be > 0"))
	}
	if c.Batch.MaxItems < 0 {
		errs = append(errs, errors.New("batch.max_items must be >= 0"))
	}
	if c.Pool.Workers <= 0 {
		errs = append(errs, errors.New("pool.workers must be > 0"))
	}
	if c.Pool.QueueSize < 0 {
		errs = append(errs, errors.New("pool.queue_size must be >= 0"))
	}
	switch c.Progress.Store {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr must be set when progress.store is redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("progress.store must be memory or redis, got %q", c.Progress.Store))
	}
	switch c.Progress.Counter {
	case "atomic", "plain", "bitset":
	default:
		errs = append(errs, fmt.Errorf("progress.counter must be atomic, plain, or bitset, got %q", c.Progress.Counter))
	}
	if c.Progress.AlmostDone <= 0 || c.Progress.AlmostDone >= 1 {
		errs = append(errs, errors.New("progress.almost_done must be in (0,1)"))
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir must be set for the local backend"))
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket must be set for the gcs backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend))
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			errs = append(errs, errors.New("pubsub.project_id and pubsub.topic_name must be set for the pubsub backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("pubsub.backend %q is not supported", c.PubSub.Backend))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be in [0,1]"))
	}
	return errors.Join(errs...)
}

// RequestTimeout is the per-request budget enforced by the API.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// RedisTTL converts the configured snapshot TTL.
func (c Config) RedisTTL() time.Duration {
	return time.Duration(c.Redis.TTLSeconds) * time.Second
}

// MaxConnLifetime converts the configured pool connection lifetime.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeSeconds) * time.Second
}
