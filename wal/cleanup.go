package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup results
type CleanupStats struct {
	FilesRemoved  int
	BytesFreed    int64
	OldestRemoved time.Time
	NewestRemoved time.Time
}

// Cleanup removes journal files older than the retention period. The file
// currently being written is never old enough to qualify.
func Cleanup(dir string, config Config) (CleanupStats, error) {
	stats := CleanupStats{}
	files := listOldFiles(dir, config)
	if len(files) == 0 {
		return stats, nil
	}

	stats.FilesRemoved = len(files)
	stats.BytesFreed = calculateTotalSize(files)
	stats.OldestRemoved, stats.NewestRemoved = findTimeRange(files)

	return stats, removeFiles(files)
}

func listOldFiles(dir string, config Config) []string {
	cutoff := time.Now().AddDate(0, 0, -config.RetentionDays)

	var old []string
	for _, file := range listFiles(dir, config.FilePrefix) {
		if isOlderThan(file, cutoff) {
			old = append(old, file)
		}
	}
	return old
}

func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}

func removeFiles(files []string) error {
	for _, file := range files {
		if err := os.Remove(file); err != nil {
			return fmt.Errorf("remove %s: %w", file, err)
		}
	}
	return nil
}

func calculateTotalSize(files []string) int64 {
	var total int64
	for _, file := range files {
		if info, err := os.Stat(file); err == nil {
			total += info.Size()
		}
	}
	return total
}

func findTimeRange(files []string) (oldest, newest time.Time) {
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if oldest.IsZero() || mod.Before(oldest) {
			oldest = mod
		}
		if mod.After(newest) {
			newest = mod
		}
	}
	return oldest, newest
}
