package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/storage"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

var (
	recordsSince     time.Duration
	recordsRetention time.Duration
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Query and compact the local bolt audit store",
	Long: `Read decision records from the bolt sink (audit.bolt_path). The database
is locked while serve is running against it.`,
}

var recordsShowCmd = &cobra.Command{
	Use:   "show [s3://bucket/key]",
	Short: "Print the records of one object, or every record since --since",
	Example: `  prefixkms records show -c prefixkms.yaml s3://tenant-data/prefix1/report.csv
  prefixkms records show -c prefixkms.yaml --since 1h`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRecordsShow,
}

var recordsCompactCmd = &cobra.Command{
	Use:     "compact",
	Short:   "Drop records older than --retention and expired pass counters",
	Example: `  prefixkms records compact -c prefixkms.yaml --retention 720h`,
	RunE:    runRecordsCompact,
}

func init() {
	rootCmd.AddCommand(recordsCmd)
	recordsCmd.AddCommand(recordsShowCmd)
	recordsCmd.AddCommand(recordsCompactCmd)

	recordsShowCmd.Flags().DurationVar(&recordsSince, "since", 24*time.Hour, "Window when no object is given")
	recordsCompactCmd.Flags().DurationVar(&recordsRetention, "retention", 30*24*time.Hour, "Keep records younger than this")
}

func openBolt() (*storage.BoltStore, time.Duration, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, 0, err
	}
	if cfg.Audit.BoltPath == "" {
		return nil, 0, fmt.Errorf("audit.bolt_path is not configured")
	}
	store, err := storage.NewBoltStore(cfg.Audit.BoltPath)
	return store, cfg.Reconciler.PassTTL, err
}

func runRecordsShow(cmd *cobra.Command, args []string) error {
	store, _, err := openBolt()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	var records []types.DecisionRecord
	if len(args) == 1 {
		event, err := parseObject(args[0])
		if err != nil {
			return err
		}
		records, err = store.RecordsFor(cmd.Context(), event.ObjectPath())
		if err != nil {
			return err
		}
	} else {
		records, err = store.RecordsSince(cmd.Context(), time.Now().Add(-recordsSince))
		if err != nil {
			return err
		}
	}
	if records == nil {
		records = []types.DecisionRecord{}
	}
	return writeJSON(cmd.OutOrStdout(), records)
}

func runRecordsCompact(cmd *cobra.Command, args []string) error {
	store, passTTL, err := openBolt()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	removed, err := store.Compact(time.Now().Add(-recordsRetention))
	if err != nil {
		return fmt.Errorf("compact records: %w", err)
	}
	swept, err := store.PassCounter(passTTL).Sweep()
	if err != nil {
		return fmt.Errorf("sweep pass counters: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "removed %d records, %d expired pass counters (revision %d)\n",
		removed, swept, store.CurrentRevision())
	return nil
}
