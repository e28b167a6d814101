// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/infermux/infermux/pkg/template"
	"github.com/infermux/infermux/pkg/types"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Providers     []ProviderConfig          `yaml:"providers"`
	Functions     map[string]FunctionConfig `yaml:"functions"`
	Inference     InferenceConfig           `yaml:"inference"`
	Observability ObservabilityConfig       `yaml:"observability"`
	Store         StoreConfig               `yaml:"store"`
	Cache         CacheConfig               `yaml:"cache"`
	Feedback      FeedbackConfig            `yaml:"feedback"`
	Archive       ArchiveConfig             `yaml:"archive"`
	Logging       LoggingConfig             `yaml:"logging"`
	Metrics       MetricsConfig             `yaml:"metrics"`
	Tracing       TracingConfig             `yaml:"tracing"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// ProviderConfig defines a single model provider backend. APIKey accepts a
// secret reference (env://NAME, vault://path#field) or a literal value.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Timeout time.Duration     `yaml:"timeout"`
	RPM     int               `yaml:"rpm"`
	Burst   int               `yaml:"burst"`
	Headers map[string]string `yaml:"headers"`
}

// FunctionConfig declares one logical function and its serving variants.
type FunctionConfig struct {
	Kind     types.FunctionKind       `yaml:"kind"`
	Variants map[string]VariantConfig `yaml:"variants"`
}

// VariantConfig binds a function to one provider/model/prompt combination.
// Weight zero keeps the variant out of sampling; it can still be pinned or
// serve as a last resort after every weighted candidate failed.
type VariantConfig struct {
	Provider  string                 `yaml:"provider"`
	Model     string                 `yaml:"model"`
	Weight    float64                `yaml:"weight"`
	Params    types.GenerationParams `yaml:",inline"`
	Templates template.Spec          `yaml:",inline"`
}

// InferenceConfig tunes the request execution loop.
type InferenceConfig struct {
	// RequestTimeout bounds one inference across all fallback attempts.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// FallbackOnInvalidRequest lets the coordinator keep trying other
	// variants after a provider judged the input malformed. Off by
	// default: the remaining variants would usually reject it too.
	FallbackOnInvalidRequest bool `yaml:"fallback_on_invalid_request"`

	// StreamBufferSize is the per-request chunk buffer between the
	// provider reader and the client. When full, the reader blocks.
	StreamBufferSize int `yaml:"stream_buffer_size"`
}

// ObservabilityConfig tunes the asynchronous record writer.
type ObservabilityConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueCapacity int           `yaml:"queue_capacity"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
}

// StoreConfig selects the durable record backend.
type StoreConfig struct {
	Driver string `yaml:"driver"` // postgres, memory
	DSN    string `yaml:"dsn"`
}

// CacheConfig tunes the inference cache.
type CacheConfig struct {
	Backend       string        `yaml:"backend"` // off, memory, redis
	TTL           time.Duration `yaml:"ttl"`
	MaxEntries    int           `yaml:"max_entries"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

// FeedbackConfig declares the metrics feedback may reference.
type FeedbackConfig struct {
	Metrics map[string]MetricConfig `yaml:"metrics"`
}

// MetricConfig types one feedback metric.
type MetricConfig struct {
	Type  string `yaml:"type"`  // float, boolean
	Level string `yaml:"level"` // inference, episode
}

// ArchiveConfig tunes the S3 record archiver.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	Endpoint      string        `yaml:"endpoint"`
	Prefix        string        `yaml:"prefix"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Inference: InferenceConfig{
			RequestTimeout:   60 * time.Second,
			StreamBufferSize: 64,
		},
		Observability: ObservabilityConfig{
			Enabled:       true,
			QueueCapacity: 4096,
			BatchSize:     64,
			FlushInterval: time.Second,
			MaxRetries:    3,
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Cache: CacheConfig{
			Backend:    "off",
			TTL:        5 * time.Minute,
			MaxEntries: 10000,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			BatchSize:     128,
			FlushInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "infermux",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	providerNames := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if providerNames[p.Name] {
			return fmt.Errorf("provider[%d]: duplicate name %q", i, p.Name)
		}
		providerNames[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if p.APIKey == "" && p.Type != "dummy" {
			return fmt.Errorf("provider[%d] %q: api_key is required", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
		if p.RPM < 0 || p.Burst < 0 {
			return fmt.Errorf("provider[%d] %q: rpm and burst cannot be negative", i, p.Name)
		}
	}

	if len(c.Functions) == 0 {
		return fmt.Errorf("at least one function must be configured")
	}

	for name, fn := range c.Functions {
		if fn.Kind != types.FunctionChat && fn.Kind != types.FunctionJSON {
			return fmt.Errorf("function %q: kind must be chat or json, got %q", name, fn.Kind)
		}
		if len(fn.Variants) == 0 {
			return fmt.Errorf("function %q: at least one variant must be configured", name)
		}
		for vname, v := range fn.Variants {
			if v.Provider == "" {
				return fmt.Errorf("function %q variant %q: provider is required", name, vname)
			}
			if !providerNames[v.Provider] {
				return fmt.Errorf("function %q variant %q: unknown provider %q", name, vname, v.Provider)
			}
			if v.Model == "" {
				return fmt.Errorf("function %q variant %q: model is required", name, vname)
			}
			if v.Weight < 0 {
				return fmt.Errorf("function %q variant %q: weight cannot be negative", name, vname)
			}
		}
	}

	if c.Inference.RequestTimeout <= 0 {
		return fmt.Errorf("inference.request_timeout must be positive")
	}
	if c.Inference.StreamBufferSize <= 0 {
		return fmt.Errorf("inference.stream_buffer_size must be positive")
	}

	if c.Observability.Enabled {
		if c.Observability.QueueCapacity <= 0 {
			return fmt.Errorf("observability.queue_capacity must be positive")
		}
		if c.Observability.BatchSize <= 0 || c.Observability.BatchSize > c.Observability.QueueCapacity {
			return fmt.Errorf("observability.batch_size must be in 1..queue_capacity")
		}
		if c.Observability.FlushInterval <= 0 {
			return fmt.Errorf("observability.flush_interval must be positive")
		}
		if c.Observability.MaxRetries < 0 {
			return fmt.Errorf("observability.max_retries cannot be negative")
		}
	}

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}

	switch c.Cache.Backend {
	case "off", "memory":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return fmt.Errorf("cache.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be off, memory, or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl cannot be negative")
	}

	for name, m := range c.Feedback.Metrics {
		if name == types.MetricComment || name == types.MetricDemonstration {
			return fmt.Errorf("feedback metric %q: name is reserved", name)
		}
		if m.Type != "float" && m.Type != "boolean" {
			return fmt.Errorf("feedback metric %q: type must be float or boolean, got %q", name, m.Type)
		}
		if m.Level != "inference" && m.Level != "episode" {
			return fmt.Errorf("feedback metric %q: level must be inference or episode, got %q", name, m.Level)
		}
	}

	if c.Archive.Enabled {
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required when archiving is enabled")
		}
		if c.Archive.BatchSize <= 0 {
			return fmt.Errorf("archive.batch_size must be positive")
		}
		if c.Archive.FlushInterval <= 0 {
			return fmt.Errorf("archive.flush_interval must be positive")
		}
	}

	return nil
}
