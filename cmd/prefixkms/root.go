package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/config"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/telemetry"
)

var (
	version = "0.1.0"

	configPath string
	prettyLogs bool
	debugLogs  bool

	rootCmd = &cobra.Command{
		Use:   "prefixkms",
		Short: "Prefix-level KMS key enforcement for S3",
		Long: `prefixkms - prefix-level KMS key enforcement for S3

Every object written under a configured bucket prefix must be encrypted
with that prefix's KMS key. prefixkms consumes S3 object-created
notifications, compares each object's encryption with the mapping table,
rewrites non-compliant objects in place under the required key and records
every decision for audit.`,
		Version:      version,
		SilenceUsage: true,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`prefixkms {{.Version}} - prefix-level KMS key enforcement
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console logs")
	rootCmd.PersistentFlags().BoolVar(&debugLogs, "debug", false, "Enable debug logging")
}

// loadConfig reads --config, or the defaults when none is given, and
// applies the logging flags
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if prettyLogs {
		cfg.Log.Pretty = true
	}
	if debugLogs {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

// setupLogger installs the process logger. Logs go to stderr so command
// output on stdout stays machine-readable.
func setupLogger(cfg *config.Config) zerolog.Logger {
	logger := telemetry.NewLogger(cfg.Log, cfg.OTEL.ServiceName, os.Stderr)
	log.Logger = logger
	zerolog.DefaultContextLogger = &log.Logger
	return logger
}
