package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
aws:
  region: eu-west-1
  profile: production
mapping:
  source: dynamodb
  table: prefix-kms-mapping
  cache_ttl: 30s
audit:
  sinks: [dynamodb, bolt]
  table: prefix-kms-log
  bolt_path: /var/lib/prefixkms/audit.db
queue:
  url: https://sqs.eu-west-1.amazonaws.com/123456789012/writes
  wait_time: 10s
  max_messages: 5
processor:
  workers: 4
  item_timeout: 90s
  max_deliveries: 3
reconciler:
  max_passes: 2
  verify_keys: true
alerts:
  sns_topic_arn: arn:aws:sns:eu-west-1:123456789012:alerts
otel:
  endpoint: localhost:4317
  insecure: true
  traces:
    enabled: true
    sample_rate: 1.0
log:
  level: debug
`
	path := writeTempConfig(t, content)
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "eu-west-1", cfg.AWS.Region)
	assert.Equal(t, "prefix-kms-mapping", cfg.Mapping.Table)
	assert.Equal(t, 30*time.Second, cfg.Mapping.CacheTTL)
	assert.Equal(t, []string{SinkDynamoDB, SinkBolt}, cfg.Audit.Sinks)
	assert.Equal(t, 10*time.Second, cfg.Queue.WaitTime)
	assert.Equal(t, int32(5), cfg.Queue.MaxMessages)
	assert.Equal(t, 4, cfg.Processor.Workers)
	assert.Equal(t, 90*time.Second, cfg.Processor.ItemTimeout)
	assert.Equal(t, 3, cfg.Processor.MaxDeliveries)
	assert.Equal(t, 2, cfg.Reconciler.MaxPasses)
	assert.True(t, cfg.Reconciler.VerifyKeys)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.NeedsQueue())
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "mapping:\n  table: m\n")
	cfg, err := Load(path)

	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, SourceDynamoDB, cfg.Mapping.Source)
	assert.Equal(t, []string{SinkLog}, cfg.Audit.Sinks)
	assert.Equal(t, 8, cfg.Processor.Workers)
	assert.Equal(t, 5, cfg.Processor.MaxDeliveries)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Equal(t, 3, cfg.Reconciler.MaxPasses)
	assert.Equal(t, int64(5)<<30, cfg.Remediation.MaxSingleCopyBytes)
	assert.Equal(t, "prefixkms", cfg.OTEL.ServiceName)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.NeedsQueue())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "mapping: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"missing table", func(c *Config) { c.Mapping.Table = "" }, "mapping: table required"},
		{"file source without file", func(c *Config) { c.Mapping.Source = SourceFile }, "mapping: file required"},
		{"unknown source", func(c *Config) { c.Mapping.Source = "s3" }, "unknown source"},
		{"unknown sink", func(c *Config) { c.Audit.Sinks = []string{"kafka"} }, "unknown sink"},
		{"bolt without path", func(c *Config) { c.Audit.Sinks = []string{SinkBolt} }, "bolt_path required"},
		{"too many messages", func(c *Config) { c.Queue.MaxMessages = 11 }, "max_messages"},
		{"long poll too long", func(c *Config) { c.Queue.WaitTime = time.Minute }, "wait_time"},
		{"bare exclude prefix", func(c *Config) { c.Filter.ExcludePrefixes = []string{"tmp"} }, "bucket/prefix"},
		{"zero workers", func(c *Config) { c.Processor.Workers = -1 }, "workers"},
		{"copy limit", func(c *Config) { c.Remediation.MaxSingleCopyBytes = 6 << 30 }, "5 GiB"},
		{"small parts", func(c *Config) { c.Remediation.PartSize = 1024 }, "part_size"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Mapping.Table = "m"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
