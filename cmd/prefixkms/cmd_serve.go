package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/daemon"
	"github.com/aws-samples/s3-prefix-level-kms-keys/queue"
)

var (
	serveQueueURL    string
	serveMetricsAddr string
	serveWorkers     int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume S3 notifications from SQS and enforce prefix keys",
	Long: `Long-poll the notification queue and run every object-created event
through the enforcement pipeline.

Messages whose events all finished (compliant, remediated, benign, or
permanently failed and alerted) are deleted. Messages with a transient
failure stay on the queue and are retried after the visibility timeout.

Prometheus metrics are served on /metrics, health on /health, /-/healthy
and /-/ready. SIGINT and SIGTERM stop the consumer gracefully.`,
	Example: `  prefixkms serve --config prefixkms.yaml
  prefixkms serve -c prefixkms.yaml --queue-url https://sqs.eu-west-1.amazonaws.com/123456789012/uploads
  prefixkms serve -c prefixkms.yaml --metrics-addr :2112 --workers 16`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveQueueURL, "queue-url", "", "SQS queue URL (overrides queue.url)")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Metrics and health listen address (overrides metrics.addr)")
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 0, "Concurrent items per batch (overrides processor.workers)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveQueueURL != "" {
		cfg.Queue.URL = serveQueueURL
	}
	if serveMetricsAddr != "" {
		cfg.Metrics.Addr = serveMetricsAddr
	}
	if serveWorkers > 0 {
		cfg.Processor.Workers = serveWorkers
	}
	if !cfg.NeedsQueue() {
		return fmt.Errorf("serve needs queue.url or --queue-url")
	}

	return runWithApp(cmd, cfg, func(ctx context.Context, a *app) error {
		consumer := queue.NewConsumer(a.clients.SQS, a.processor, queue.ConsumerConfig{
			QueueURL:          cfg.Queue.URL,
			WaitTime:          cfg.Queue.WaitTime,
			MaxMessages:       cfg.Queue.MaxMessages,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		}, a.logger)

		d := daemon.NewDaemon(daemon.Config{MetricsAddr: cfg.Metrics.Addr}, consumer, a.telemetry.Registry(), a.logger)

		a.logger.Info().
			Str("version", version).
			Str("queue", cfg.Queue.URL).
			Str("region", a.clients.Region).
			Int("workers", cfg.Processor.Workers).
			Strs("audit_sinks", cfg.Audit.Sinks).
			Msg("prefixkms starting")

		if err := d.Start(ctx); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
		a.logger.Info().Msg("prefixkms stopped")
		return nil
	})
}
