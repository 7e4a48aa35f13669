package wal

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepData struct {
	Reason string `json:"reason"`
}

func readAll(t *testing.T, dir string, config Config) []Entry {
	t.Helper()
	var entries []Entry
	require.NoError(t, Replay(dir, config, time.Time{}, func(e *Entry) error {
		entries = append(entries, *e)
		return nil
	}))
	return entries
}

func TestJournal_AppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()

	j, err := Open(dir, config)
	require.NoError(t, err)

	const path = "s3://b/p/file.txt"
	require.NoError(t, j.Append(StepInspected, path, nil))
	require.NoError(t, j.Append(StepDecided, path, stepData{Reason: "incorrect key"}))
	require.NoError(t, j.Append(StepRemediating, path, nil))
	require.NoError(t, j.AppendError(StepFailed, path, nil, errors.New("copy failed")))
	require.NoError(t, j.Close())

	entries := readAll(t, dir, config)
	require.Len(t, entries, 4)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, path, e.ObjectPath)
	}
	assert.Equal(t, StepDecided, entries[1].Step)

	var data stepData
	require.NoError(t, json.Unmarshal(entries[1].Data, &data))
	assert.Equal(t, "incorrect key", data.Reason)
	assert.Equal(t, "copy failed", entries[3].Error)
}

func TestJournal_SequenceContinuesAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()

	j, err := Open(dir, config)
	require.NoError(t, err)
	require.NoError(t, j.Append(StepInspected, "s3://b/a", nil))
	require.NoError(t, j.Append(StepInspected, "s3://b/b", nil))
	require.NoError(t, j.Close())

	j, err = Open(dir, config)
	require.NoError(t, err)
	require.NoError(t, j.Append(StepInspected, "s3://b/c", nil))
	require.NoError(t, j.Close())

	entries := readAll(t, dir, config)
	require.Len(t, entries, 3)
	assert.Equal(t, int64(3), entries[2].Sequence)
}

func TestJournal_Rotation(t *testing.T) {
	dir := t.TempDir()
	config := Config{FilePrefix: "rot", MaxFileBytes: 200}

	j, err := Open(dir, config)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Append(StepDecided, "s3://bucket/some/long/object/key.parquet", stepData{Reason: "incorrect key"}))
	}
	require.NoError(t, j.Close())

	files := listFiles(dir, "rot")
	assert.Greater(t, len(files), 1)

	entries := readAll(t, dir, config)
	require.Len(t, entries, 10)
	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Sequence, "replay must follow append order")
	}
}

func TestIncomplete(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()

	j, err := Open(dir, config)
	require.NoError(t, err)
	require.NoError(t, j.Append(StepRemediating, "s3://b/done", nil))
	require.NoError(t, j.Append(StepRemediated, "s3://b/done", nil))
	require.NoError(t, j.Append(StepRemediating, "s3://b/crashed?versionId=v1", nil))
	require.NoError(t, j.Append(StepDecided, "s3://b/compliant", nil))
	require.NoError(t, j.Close())

	open, err := Incomplete(dir, config, time.Time{})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "s3://b/crashed?versionId=v1", open[0].ObjectPath)
}

func TestReader_EOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.wal")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	r, err := NewReader(path)
	require.NoError(t, err)
	defer func() { _ = r.Close() }()

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}
