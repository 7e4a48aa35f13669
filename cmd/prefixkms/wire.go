package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/audit"
	"github.com/aws-samples/s3-prefix-level-kms-keys/executor"
	"github.com/aws-samples/s3-prefix-level-kms-keys/inspector"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awsclient"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/config"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/daemon"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/filter"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/retry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/telemetry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/keys"
	"github.com/aws-samples/s3-prefix-level-kms-keys/mapping"
	"github.com/aws-samples/s3-prefix-level-kms-keys/notify"
	"github.com/aws-samples/s3-prefix-level-kms-keys/policy"
	"github.com/aws-samples/s3-prefix-level-kms-keys/processor"
	"github.com/aws-samples/s3-prefix-level-kms-keys/reconciler"
	"github.com/aws-samples/s3-prefix-level-kms-keys/storage"
	"github.com/aws-samples/s3-prefix-level-kms-keys/wal"
)

const (
	keyCacheTTL     = 15 * time.Minute
	partConcurrency = 4
)

// app holds every wired component of one process
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	metrics   *daemon.Metrics
	clients   *awsclient.Clients

	resolver  *mapping.Resolver
	inspector *inspector.Inspector
	keys      *keys.Checker
	engine    *reconciler.Engine
	processor *processor.Processor

	closers []func() error
}

func retryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.MaxAttempts,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
	}
}

// buildApp validates cfg and wires the pipeline. Close must be called
// even when an error is returned.
func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := cfg.Validate(); err != nil {
		return a, fmt.Errorf("invalid config: %w", err)
	}

	provider, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return a, fmt.Errorf("init telemetry: %w", err)
	}
	a.telemetry = provider

	if a.metrics, err = daemon.NewMetrics(); err != nil {
		return a, fmt.Errorf("create metrics: %w", err)
	}

	if a.clients, err = awsclient.New(ctx, cfg.AWS); err != nil {
		return a, err
	}

	store, err := mappingStore(cfg.Mapping, a.clients)
	if err != nil {
		return a, err
	}
	a.resolver = mapping.NewResolver(store, logger)
	a.inspector = inspector.New(a.clients.S3)

	retries := retryPolicy(cfg.Retry)

	var bolt *storage.BoltStore
	var sinks []audit.Store
	for _, sink := range cfg.Audit.Sinks {
		switch sink {
		case config.SinkDynamoDB:
			sinks = append(sinks, audit.NewDynamoStore(a.clients.DynamoDB, cfg.Audit.Table))
		case config.SinkBolt:
			if bolt, err = storage.NewBoltStore(cfg.Audit.BoltPath); err != nil {
				return a, err
			}
			a.closers = append(a.closers, bolt.Close)
			sinks = append(sinks, bolt)
		case config.SinkLog:
			sinks = append(sinks, audit.NewLogStore(logger))
		}
	}
	recorder := audit.NewRecorder(logger, retries, sinks...).WithObserver(a.metrics)

	remediator := executor.New(a.clients.S3, executor.Options{
		MaxSingleCopyBytes: cfg.Remediation.MaxSingleCopyBytes,
		PartSize:           cfg.Remediation.PartSize,
		PartConcurrency:    partConcurrency,
		Retry:              retries,
	}, logger)

	a.engine = reconciler.NewEngine(a.resolver, a.inspector, remediator, recorder, reconciler.Options{
		MaxPasses: cfg.Reconciler.MaxPasses,
		Retry:     retries,
	}, logger).
		WithObserver(a.metrics).
		WithTracer(provider.Tracer())

	// Pass counts survive restarts when a bolt database is configured
	if bolt != nil {
		a.engine.WithPassTracker(bolt.PassCounter(cfg.Reconciler.PassTTL))
	} else {
		a.engine.WithPassTracker(reconciler.NewMemoryPassTracker(cfg.Reconciler.PassTTL))
	}

	if cfg.Reconciler.VerifyKeys {
		a.keys = keys.NewChecker(a.clients.KMS, keyCacheTTL)
		a.engine.WithKeys(a.keys)
	}

	if cfg.Guard.PolicyFile != "" {
		guard := policy.NewGuard(logger)
		if err := guard.LoadPath(ctx, cfg.Guard.PolicyFile); err != nil {
			return a, fmt.Errorf("load guard policy: %w", err)
		}
		a.engine.WithGuard(guard)
	}

	if cfg.Journal.Dir != "" {
		journal, err := wal.Open(cfg.Journal.Dir, wal.DefaultConfig())
		if err != nil {
			return a, fmt.Errorf("open journal: %w", err)
		}
		a.closers = append(a.closers, journal.Close)
		a.engine.WithJournal(journal)
	}

	a.processor = processor.NewProcessor(a.engine, notifier(cfg.Alerts, a.clients, logger), processor.Config{
		Workers:       cfg.Processor.Workers,
		ItemTimeout:   cfg.Processor.ItemTimeout,
		MaxDeliveries: cfg.Processor.MaxDeliveries,
	}, logger).
		WithObserver(a.metrics).
		WithTracer(provider.Tracer())

	if f := filter.New(cfg.Filter.ExcludeBuckets, cfg.Filter.ExcludePrefixes, cfg.Filter.EventNames); !f.IsEmpty() {
		a.processor.WithFilter(f)
	}

	return a, nil
}

// mappingStore builds the configured policy source. A mapping file next to
// the DynamoDB table acts as an extra source; the resolver reports prefixes
// the two disagree on as conflicts.
func mappingStore(cfg config.MappingConfig, clients *awsclient.Clients) (mapping.Store, error) {
	var stores []mapping.Store

	if cfg.File != "" {
		file, err := mapping.LoadFile(cfg.File)
		if err != nil {
			return nil, err
		}
		stores = append(stores, file)
	}

	if cfg.Source == config.SourceDynamoDB {
		dynamo := mapping.NewDynamoStore(clients.DynamoDB, cfg.Table)
		if cfg.CacheTTL > 0 {
			stores = append(stores, mapping.NewCachedStore(dynamo, cfg.CacheTTL))
		} else {
			stores = append(stores, dynamo)
		}
	}

	if len(stores) == 1 {
		return stores[0], nil
	}
	return mapping.NewMultiStore(stores...), nil
}

func notifier(cfg config.AlertsConfig, clients *awsclient.Clients, logger zerolog.Logger) notify.Notifier {
	logNotifier := notify.NewLogNotifier(logger)
	if cfg.SNSTopicARN == "" {
		return logNotifier
	}
	return notify.NewMultiNotifier(logNotifier, notify.NewSNSNotifier(clients.SNS, cfg.SNSTopicARN))
}

// Close releases stores and flushes telemetry
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}
	return errors.Join(errs...)
}
