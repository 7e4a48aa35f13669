// Package wal is an append-only JSON-lines journal of saga steps. Each
// processed event writes its steps in order, so a crash between the copy
// and the deletion of a superseded version can be found afterwards.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Step names a saga step
type Step string

const (
	StepInspected   Step = "inspected"
	StepResolved    Step = "resolved"
	StepDecided     Step = "decided"
	StepRemediating Step = "remediating"
	StepRemediated  Step = "remediated"
	StepFailed      Step = "failed"
	StepSkipped     Step = "skipped"
)

// Config controls file naming and retention
type Config struct {
	FilePrefix    string
	RetentionDays int
	MaxFileBytes  int64
}

// DefaultConfig keeps a week of 64 MiB files
func DefaultConfig() Config {
	return Config{
		FilePrefix:    "prefixkms",
		RetentionDays: 7,
		MaxFileBytes:  64 << 20,
	}
}

// Entry is one journal line
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Step       Step            `json:"step"`
	ObjectPath string          `json:"object_path,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Journal appends entries to rotating files in one directory
type Journal struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	size     int64
	sequence int64
	dir      string
	config   Config
}

// Open creates or continues a journal in dir
func Open(dir string, config Config) (*Journal, error) {
	if config.FilePrefix == "" {
		config.FilePrefix = DefaultConfig().FilePrefix
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{dir: dir, config: config}
	j.sequence = findLastSequenceInFiles(listFiles(dir, config.FilePrefix))

	if err := j.openFile(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openFile() error {
	name := fmt.Sprintf("%s-%s-%012d.wal", j.config.FilePrefix, time.Now().UTC().Format("20060102-150405"), j.sequence+1)
	file, err := os.OpenFile(filepath.Join(j.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("stat journal file: %w", err)
	}

	j.file = file
	j.writer = bufio.NewWriter(file)
	j.size = info.Size()
	return nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.writer.Flush(); err != nil {
		return err
	}
	return j.file.Close()
}

// Append adds a step for objectPath
func (j *Journal) Append(step Step, objectPath string, data any) error {
	return j.append(step, objectPath, data, nil)
}

// AppendError adds a failed step carrying the error text
func (j *Journal) AppendError(step Step, objectPath string, data any, cause error) error {
	return j.append(step, objectPath, data, cause)
}

func (j *Journal) append(step Step, objectPath string, data any, cause error) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal journal data: %w", err)
		}
		raw = b
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.sequence++
	entry := Entry{
		Timestamp:  time.Now().UTC(),
		Sequence:   j.sequence,
		Step:       step,
		ObjectPath: objectPath,
		Data:       raw,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	if err := j.rotateIfNeeded(); err != nil {
		return err
	}
	return j.writeEntry(entry)
}

func (j *Journal) rotateIfNeeded() error {
	if j.config.MaxFileBytes <= 0 || j.size < j.config.MaxFileBytes {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush before rotation: %w", err)
	}
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close before rotation: %w", err)
	}
	return j.openFile()
}

func (j *Journal) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	j.size += int64(len(line))

	return j.file.Sync()
}

// Reader iterates the entries of one journal file
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader opens a journal file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner, file: file}, nil
}

// Next returns the next entry or io.EOF
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay feeds every entry newer than since to handler, oldest file first
func Replay(dir string, config Config, since time.Time, handler func(*Entry) error) error {
	for _, file := range listFiles(dir, config.FilePrefix) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// Incomplete returns the objects whose last journalled step is
// StepRemediating: a copy was started but neither success nor failure was
// recorded.
func Incomplete(dir string, config Config, since time.Time) ([]Entry, error) {
	last := make(map[string]Entry)
	err := Replay(dir, config, since, func(e *Entry) error {
		if e.ObjectPath != "" {
			last[e.ObjectPath] = *e
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []Entry
	for _, e := range last {
		if e.Step == StepRemediating {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Sequence < out[k].Sequence })
	return out, nil
}

// listFiles returns journal files sorted by name, which sorts by creation
func listFiles(dir, prefix string) []string {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.wal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

func findLastSequenceInFiles(files []string) int64 {
	var maxSeq int64
	for _, file := range files {
		if seq := maxSequenceInFile(file); seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq
}

func maxSequenceInFile(path string) int64 {
	reader, err := NewReader(path)
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	var maxSeq int64
	for {
		entry, err := reader.Next()
		if err != nil {
			return maxSeq
		}
		if entry.Sequence > maxSeq {
			maxSeq = entry.Sequence
		}
	}
}
