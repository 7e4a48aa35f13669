package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/config"
	"github.com/aws-samples/s3-prefix-level-kms-keys/mapping"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
	"github.com/aws-samples/s3-prefix-level-kms-keys/wal"
)

func TestParseObject(t *testing.T) {
	tests := []struct {
		ref     string
		bucket  string
		key     string
		version string
		wantErr bool
	}{
		{ref: "s3://b/prefix1/a.txt", bucket: "b", key: "prefix1/a.txt"},
		{ref: "b/a b.txt", bucket: "b", key: "a b.txt"},
		{ref: "s3://b/k?versionId=v1", bucket: "b", key: "k", version: "v1"},
		{ref: "s3://b", wantErr: true},
		{ref: "s3://b/", wantErr: true},
		{ref: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			ev, err := parseObject(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, ev.Bucket)
			assert.Equal(t, tt.key, ev.Key)
			assert.Equal(t, tt.version, ev.VersionID)
		})
	}
}

func TestReadEvent(t *testing.T) {
	data, err := readEvent(strings.NewReader(`{"Records":[]}`), "")
	require.NoError(t, err)
	assert.Equal(t, `{"Records":[]}`, string(data))

	path := filepath.Join(t.TempDir(), "event.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))
	data, err = readEvent(nil, path)
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	_, err = readEvent(nil, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestMappingStore_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
tenant-data:
  prefix1/:
    kms_key_arn: arn:aws:kms:eu-west-1:111122223333:key/k1
    dual_layer_encryption: "false"
`), 0o600))

	store, err := mappingStore(config.MappingConfig{Source: config.SourceFile, File: path}, nil)
	require.NoError(t, err)
	_, ok := store.(*mapping.MemoryStore)
	assert.True(t, ok)

	candidates, err := store.Candidates(t.Context(), "tenant-data", "prefix1/report.csv")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "arn:aws:kms:eu-west-1:111122223333:key/k1", candidates[0].KMSKeyARN)
}

func TestRetryPolicy(t *testing.T) {
	cfg := config.Default()
	p := retryPolicy(cfg.Retry)
	assert.Equal(t, cfg.Retry.MaxAttempts, p.MaxAttempts)
	assert.Equal(t, cfg.Retry.InitialInterval, p.InitialInterval)
	assert.Equal(t, cfg.Retry.MaxInterval, p.MaxInterval)
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func TestJournalStatsCommand(t *testing.T) {
	dir := t.TempDir()
	j, err := wal.Open(dir, wal.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, j.Append(wal.StepInspected, "s3://b/k", nil))
	require.NoError(t, j.Append(wal.StepRemediating, "s3://b/k", nil))
	require.NoError(t, j.Close())

	out := execute(t, "journal", "stats", "--dir", dir)
	assert.Contains(t, out, "Files:         1")
	assert.Contains(t, out, "inspected")
	assert.Contains(t, out, "remediating")

	out = execute(t, "journal", "incomplete", "--dir", dir)
	assert.Contains(t, out, `"object_path": "s3://b/k"`)
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version")
	assert.True(t, strings.HasPrefix(out, "prefixkms "+version))
}
