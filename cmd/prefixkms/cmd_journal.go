package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/wal"
)

var (
	journalDir       string
	journalRetention int
	journalSince     time.Duration
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the step journal",
	Long: `The journal (journal.dir) holds one line per pipeline step. It shows
where processing of an object stopped, notably copies that were started
but never confirmed.`,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarise journal files and step counts",
	RunE:  runJournalStats,
}

var journalIncompleteCmd = &cobra.Command{
	Use:     "incomplete",
	Short:   "List objects whose corrective copy never finished",
	Example: `  prefixkms journal incomplete -c prefixkms.yaml --since 6h`,
	RunE:    runJournalIncomplete,
}

var journalCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove journal files past retention",
	RunE:  runJournalCleanup,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalStatsCmd, journalIncompleteCmd, journalCleanupCmd)

	journalCmd.PersistentFlags().StringVar(&journalDir, "dir", "", "Journal directory (overrides journal.dir)")
	journalCleanupCmd.Flags().IntVar(&journalRetention, "retention-days", 0, "Retention in days (default from journal config)")
	journalIncompleteCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "Only consider entries this recent")
}

func resolveJournalDir() (string, error) {
	if journalDir != "" {
		return journalDir, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Journal.Dir == "" {
		return "", fmt.Errorf("journal.dir is not configured")
	}
	return cfg.Journal.Dir, nil
}

func runJournalStats(cmd *cobra.Command, args []string) error {
	dir, err := resolveJournalDir()
	if err != nil {
		return err
	}
	stats, err := wal.GetStatsFromDir(dir, wal.DefaultConfig())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Files:         %d\n", stats.TotalFiles)
	fmt.Fprintf(out, "Size:          %d bytes\n", stats.TotalSizeBytes)
	fmt.Fprintf(out, "Last sequence: %d\n", stats.LastSequence)
	if stats.TotalFiles > 0 {
		fmt.Fprintf(out, "Oldest file:   %s\n", stats.OldestFile.Format(time.RFC3339))
		fmt.Fprintf(out, "Newest file:   %s\n", stats.NewestFile.Format(time.RFC3339))
	}

	steps := make([]string, 0, len(stats.StepCounts))
	for step := range stats.StepCounts {
		steps = append(steps, string(step))
	}
	sort.Strings(steps)
	for _, step := range steps {
		fmt.Fprintf(out, "  %-12s %d\n", step, stats.StepCounts[wal.Step(step)])
	}
	return nil
}

func runJournalIncomplete(cmd *cobra.Command, args []string) error {
	dir, err := resolveJournalDir()
	if err != nil {
		return err
	}
	entries, err := wal.Incomplete(dir, wal.DefaultConfig(), time.Now().Add(-journalSince))
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []wal.Entry{}
	}
	return writeJSON(cmd.OutOrStdout(), entries)
}

func runJournalCleanup(cmd *cobra.Command, args []string) error {
	dir, err := resolveJournalDir()
	if err != nil {
		return err
	}
	config := wal.DefaultConfig()
	if journalRetention > 0 {
		config.RetentionDays = journalRetention
	}

	stats, err := wal.Cleanup(dir, config)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d files, freed %d bytes\n", stats.FilesRemoved, stats.BytesFreed)
	return nil
}
