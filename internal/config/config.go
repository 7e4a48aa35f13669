// Package config handles YAML configuration for prefixkms.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	AWS         AWSConfig         `yaml:"aws"`
	Mapping     MappingConfig     `yaml:"mapping"`
	Audit       AuditConfig       `yaml:"audit"`
	Queue       QueueConfig       `yaml:"queue"`
	Filter      FilterConfig      `yaml:"filter"`
	Processor   ProcessorConfig   `yaml:"processor"`
	Retry       RetryConfig       `yaml:"retry"`
	Reconciler  ReconcilerConfig  `yaml:"reconciler"`
	Remediation RemediationConfig `yaml:"remediation"`
	Guard       GuardConfig       `yaml:"guard"`
	Alerts      AlertsConfig      `yaml:"alerts"`
	Journal     JournalConfig     `yaml:"journal"`
	OTEL        OTELConfig        `yaml:"otel"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// AWSConfig holds AWS client settings.
type AWSConfig struct {
	Region   string `yaml:"region"`
	Profile  string `yaml:"profile"`
	Endpoint string `yaml:"endpoint"`
}

// Mapping sources
const (
	SourceDynamoDB = "dynamodb"
	SourceFile     = "file"
)

// MappingConfig selects where prefix policies come from.
type MappingConfig struct {
	Source   string        `yaml:"source"`
	Table    string        `yaml:"table"`
	File     string        `yaml:"file"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// Audit sinks
const (
	SinkDynamoDB = "dynamodb"
	SinkBolt     = "bolt"
	SinkLog      = "log"
)

// AuditConfig lists decision record sinks.
type AuditConfig struct {
	Sinks    []string `yaml:"sinks"`
	Table    string   `yaml:"table"`
	BoltPath string   `yaml:"bolt_path"`
}

// QueueConfig holds SQS consumer settings.
type QueueConfig struct {
	URL               string        `yaml:"url"`
	WaitTime          time.Duration `yaml:"wait_time"`
	MaxMessages       int32         `yaml:"max_messages"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
}

// FilterConfig drops events before they reach the pipeline.
type FilterConfig struct {
	ExcludeBuckets  []string `yaml:"exclude_buckets"`
	ExcludePrefixes []string `yaml:"exclude_prefixes"`
	EventNames      []string `yaml:"event_names"`
}

// ProcessorConfig bounds batch processing.
type ProcessorConfig struct {
	Workers       int           `yaml:"workers"`
	ItemTimeout   time.Duration `yaml:"item_timeout"`
	MaxDeliveries int           `yaml:"max_deliveries"`
}

// RetryConfig holds in-item retry settings.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// ReconcilerConfig holds corrective pass settings.
type ReconcilerConfig struct {
	MaxPasses  int           `yaml:"max_passes"`
	PassTTL    time.Duration `yaml:"pass_ttl"`
	VerifyKeys bool          `yaml:"verify_keys"`
}

// RemediationConfig holds copy size settings.
type RemediationConfig struct {
	MaxSingleCopyBytes int64 `yaml:"max_single_copy_bytes"`
	PartSize           int64 `yaml:"part_size"`
}

// GuardConfig points at an optional Rego policy.
type GuardConfig struct {
	PolicyFile string `yaml:"policy_file"`
}

// AlertsConfig holds operator alert settings.
type AlertsConfig struct {
	SNSTopicARN string `yaml:"sns_topic_arn"`
}

// JournalConfig enables the saga journal when Dir is set.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string       `yaml:"endpoint"`
	Insecure    bool         `yaml:"insecure"`
	ServiceName string       `yaml:"service_name"`
	Traces      TracesConfig `yaml:"traces"`
	Metrics     OTLPMetrics  `yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `yaml:"enabled"`
	SampleRate float64 `yaml:"sample_rate"`
}

// OTLPMetrics toggles OTLP metric push.
type OTLPMetrics struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsConfig holds the Prometheus/health listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	gib = int64(1) << 30
	mib = int64(1) << 20

	// S3 rejects single CopyObject calls above 5 GiB
	maxCopyObjectBytes = 5 * gib
	minPartSize        = 5 * mib
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config data and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Mapping.Source == "" {
		cfg.Mapping.Source = SourceDynamoDB
	}
	if len(cfg.Audit.Sinks) == 0 {
		cfg.Audit.Sinks = []string{SinkLog}
	}
	if cfg.Queue.WaitTime == 0 {
		cfg.Queue.WaitTime = 20 * time.Second
	}
	if cfg.Queue.MaxMessages == 0 {
		cfg.Queue.MaxMessages = 10
	}
	if cfg.Processor.Workers == 0 {
		cfg.Processor.Workers = 8
	}
	if cfg.Processor.ItemTimeout == 0 {
		cfg.Processor.ItemTimeout = 2 * time.Minute
	}
	if cfg.Processor.MaxDeliveries == 0 {
		cfg.Processor.MaxDeliveries = 5
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 4
	}
	if cfg.Retry.InitialInterval == 0 {
		cfg.Retry.InitialInterval = 200 * time.Millisecond
	}
	if cfg.Retry.MaxInterval == 0 {
		cfg.Retry.MaxInterval = 5 * time.Second
	}
	if cfg.Reconciler.MaxPasses == 0 {
		cfg.Reconciler.MaxPasses = 3
	}
	if cfg.Reconciler.PassTTL == 0 {
		cfg.Reconciler.PassTTL = time.Hour
	}
	if cfg.Remediation.MaxSingleCopyBytes == 0 {
		cfg.Remediation.MaxSingleCopyBytes = maxCopyObjectBytes
	}
	if cfg.Remediation.PartSize == 0 {
		cfg.Remediation.PartSize = 512 * mib
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "prefixkms"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	switch c.Mapping.Source {
	case SourceDynamoDB:
		if c.Mapping.Table == "" {
			return fmt.Errorf("mapping: table required for source %q", SourceDynamoDB)
		}
	case SourceFile:
		if c.Mapping.File == "" {
			return fmt.Errorf("mapping: file required for source %q", SourceFile)
		}
	default:
		return fmt.Errorf("mapping: unknown source %q", c.Mapping.Source)
	}
	if c.Mapping.CacheTTL < 0 {
		return fmt.Errorf("mapping: cache_ttl must not be negative")
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case SinkDynamoDB:
			if c.Audit.Table == "" {
				return fmt.Errorf("audit: table required for sink %q", SinkDynamoDB)
			}
		case SinkBolt:
			if c.Audit.BoltPath == "" {
				return fmt.Errorf("audit: bolt_path required for sink %q", SinkBolt)
			}
		case SinkLog:
		default:
			return fmt.Errorf("audit: unknown sink %q", sink)
		}
	}

	if c.Queue.MaxMessages < 1 || c.Queue.MaxMessages > 10 {
		return fmt.Errorf("queue: max_messages must be between 1 and 10 (got %d)", c.Queue.MaxMessages)
	}
	if c.Queue.WaitTime > 20*time.Second {
		return fmt.Errorf("queue: wait_time must be at most 20s (got %s)", c.Queue.WaitTime)
	}
	for _, p := range c.Filter.ExcludePrefixes {
		if !strings.Contains(p, "/") {
			return fmt.Errorf("filter: exclude_prefixes entry %q must be bucket/prefix", p)
		}
	}
	if c.Processor.Workers < 1 {
		return fmt.Errorf("processor: workers must be positive (got %d)", c.Processor.Workers)
	}
	if c.Processor.MaxDeliveries < 1 {
		return fmt.Errorf("processor: max_deliveries must be positive (got %d)", c.Processor.MaxDeliveries)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry: max_attempts must be positive (got %d)", c.Retry.MaxAttempts)
	}
	if c.Reconciler.MaxPasses < 1 {
		return fmt.Errorf("reconciler: max_passes must be positive (got %d)", c.Reconciler.MaxPasses)
	}
	if c.Remediation.MaxSingleCopyBytes > maxCopyObjectBytes {
		return fmt.Errorf("remediation: max_single_copy_bytes above the 5 GiB CopyObject limit")
	}
	if c.Remediation.PartSize < minPartSize || c.Remediation.PartSize > maxCopyObjectBytes {
		return fmt.Errorf("remediation: part_size must be between 5 MiB and 5 GiB (got %d)", c.Remediation.PartSize)
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	return nil
}

// NeedsQueue reports whether serve mode has a queue to poll
func (c *Config) NeedsQueue() bool {
	return c.Queue.URL != ""
}
