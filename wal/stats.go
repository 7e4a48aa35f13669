package wal

import (
	"path/filepath"
	"time"
)

// Stats summarises a journal directory
type Stats struct {
	TotalFiles     int
	TotalSizeBytes int64
	OldestFile     time.Time
	NewestFile     time.Time
	LastSequence   int64
	EntriesPerFile map[string]int
	StepCounts     map[Step]int
}

// GetStatsFromDir reads every journal file in dir; no open journal needed
func GetStatsFromDir(dir string, config Config) (Stats, error) {
	files := listFiles(dir, config.FilePrefix)
	stats := Stats{
		TotalFiles:     len(files),
		EntriesPerFile: make(map[string]int),
		StepCounts:     make(map[Step]int),
	}
	if len(files) == 0 {
		return stats, nil
	}

	stats.TotalSizeBytes = calculateTotalSize(files)
	stats.OldestFile, stats.NewestFile = findTimeRange(files)

	for _, file := range files {
		name := filepath.Base(file)
		err := replayFile(file, time.Time{}, func(e *Entry) error {
			stats.EntriesPerFile[name]++
			stats.StepCounts[e.Step]++
			if e.Sequence > stats.LastSequence {
				stats.LastSequence = e.Sequence
			}
			return nil
		})
		if err != nil {
			return stats, err
		}
	}
	return stats, nil
}
