// Package processor runs a batch of queue messages through the
// reconciliation engine with per-item isolation.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/filter"
	"github.com/aws-samples/s3-prefix-level-kms-keys/notify"
	"github.com/aws-samples/s3-prefix-level-kms-keys/queue"
	"github.com/aws-samples/s3-prefix-level-kms-keys/reconciler"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Engine processes one write event
type Engine interface {
	Process(ctx context.Context, event types.WriteEvent) (reconciler.Result, error)
}

// Observer receives batch metrics
type Observer interface {
	ItemProcessed(ctx context.Context, status, code string, d time.Duration)
	BatchProcessed(ctx context.Context, size, failed int)
	AlertSent(ctx context.Context, delivered bool)
}

// Config bounds batch processing
type Config struct {
	Workers       int
	ItemTimeout   time.Duration
	MaxDeliveries int
}

const alertTimeout = 10 * time.Second

// Processor fans a batch out over a bounded worker pool
type Processor struct {
	engine   Engine
	notifier notify.Notifier
	config   Config
	observer Observer
	filter   *filter.Filter
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time
}

// NewProcessor creates a processor. A nil notifier only logs alerts.
func NewProcessor(engine Engine, notifier notify.Notifier, config Config, logger zerolog.Logger) *Processor {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.ItemTimeout <= 0 {
		config.ItemTimeout = 2 * time.Minute
	}
	if config.MaxDeliveries < 1 {
		config.MaxDeliveries = 5
	}
	logger = logger.With().Str("component", "processor").Logger()
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	return &Processor{
		engine:   engine,
		notifier: notifier,
		config:   config,
		tracer:   otel.Tracer("prefixkms/processor"),
		logger:   logger,
		now:      time.Now,
	}
}

// WithObserver sets the metrics observer
func (p *Processor) WithObserver(o Observer) *Processor {
	p.observer = o
	return p
}

// WithFilter drops events the filter rejects before processing
func (p *Processor) WithFilter(f *filter.Filter) *Processor {
	p.filter = f
	return p
}

// WithTracer overrides the tracer
func (p *Processor) WithTracer(t trace.Tracer) *Processor {
	p.tracer = t
	return p
}

// Handle satisfies queue.Handler: it returns the messages to redeliver
func (p *Processor) Handle(ctx context.Context, messages []queue.Message) []string {
	return p.ProcessBatch(ctx, messages).FailedIDs()
}

type job struct {
	message queue.Message
	event   types.WriteEvent
}

// ProcessBatch processes every event of every message. One item's failure
// never affects another; the batch itself cannot fail.
func (p *Processor) ProcessBatch(ctx context.Context, messages []queue.Message) BatchResult {
	ctx, span := p.tracer.Start(ctx, "processor.batch",
		trace.WithAttributes(attribute.Int("batch.messages", len(messages))))
	defer span.End()

	batch := BatchResult{Messages: len(messages)}

	var jobs []job
	for _, m := range messages {
		if queue.IsTestEvent(m.Body) {
			p.logger.Debug().Str("message_id", m.ID).Msg("ignoring s3 test event")
			continue
		}
		events, err := m.Events()
		if err != nil {
			p.logger.Warn().Err(err).Str("message_id", m.ID).Msg("dropping undecodable message")
			batch.Items = append(batch.Items, ItemResult{
				MessageID: m.ID,
				Status:    StatusPermanent,
				Code:      types.ReasonFailed,
				Class:     types.ClassPermanent,
				Err:       err,
			})
			continue
		}
		if p.filter != nil {
			kept := p.filter.Events(events)
			if dropped := len(events) - len(kept); dropped > 0 {
				p.logger.Debug().Str("message_id", m.ID).Int("dropped", dropped).Msg("events filtered")
			}
			events = kept
		}
		for _, ev := range events {
			jobs = append(jobs, job{message: m, event: ev})
		}
	}

	items := make([]ItemResult, len(jobs))
	var g errgroup.Group
	g.SetLimit(p.config.Workers)
	for i, j := range jobs {
		g.Go(func() error {
			items[i] = p.processItem(ctx, j)
			return nil
		})
	}
	_ = g.Wait()
	batch.Items = append(batch.Items, items...)

	failed := len(batch.FailedIDs())
	span.SetAttributes(
		attribute.Int("batch.items", len(batch.Items)),
		attribute.Int("batch.failed", failed),
	)
	if failed > 0 {
		span.SetStatus(codes.Error, BatchPartialFailure)
	}
	if p.observer != nil {
		p.observer.BatchProcessed(ctx, len(messages), failed)
	}

	p.logger.Info().
		Int("messages", len(messages)).
		Int("items", len(batch.Items)).
		Int("succeeded", batch.Count(StatusSuccess)).
		Int("retry", batch.Count(StatusRetry)).
		Int("permanent", batch.Count(StatusPermanent)).
		Str("status", batch.Status()).
		Msg("batch processed")

	return batch
}

func (p *Processor) processItem(ctx context.Context, j job) ItemResult {
	start := p.now()
	itemCtx, cancel := context.WithTimeout(ctx, p.config.ItemTimeout)
	result, err := p.engine.Process(itemCtx, j.event)
	cancel()

	item := ItemResult{
		MessageID:  j.message.ID,
		ObjectPath: j.event.ObjectPath(),
		Code:       result.Decision.Code,
		Class:      types.Classify(err),
		Err:        err,
		Duration:   p.now().Sub(start),
	}

	switch item.Class {
	case types.ClassNone, types.ClassBenign:
		item.Status = StatusSuccess
	case types.ClassTransient:
		item.Status = StatusRetry
		if j.message.ReceiveCount >= p.config.MaxDeliveries {
			item.Status = StatusPermanent
			item.Escalated = true
		}
	default:
		item.Status = StatusPermanent
	}
	if item.Code == "" && item.Status != StatusSuccess {
		item.Code = types.ReasonFailed
	}

	logger := p.logger.With().
		Str("message_id", item.MessageID).
		Str("object", item.ObjectPath).
		Str("status", string(item.Status)).
		Str("code", string(item.Code)).
		Logger()

	switch item.Status {
	case StatusSuccess:
		logger.Debug().Dur("duration", item.Duration).Msg("item processed")
	case StatusRetry:
		logger.Warn().Err(err).Int("receive_count", j.message.ReceiveCount).Msg("item will be redelivered")
	case StatusPermanent:
		logger.Error().Err(err).Bool("escalated", item.Escalated).Msg("item failed permanently")
		item.Alerted = p.alert(ctx, j, result, item)
	}

	if p.observer != nil {
		p.observer.ItemProcessed(ctx, string(item.Status), string(item.Code), item.Duration)
	}
	return item
}

func (p *Processor) alert(ctx context.Context, j job, result reconciler.Result, item ItemResult) bool {
	reason := result.Decision.Reason
	if item.Escalated {
		reason = fmt.Sprintf("gave up after %d deliveries", j.message.ReceiveCount)
	}
	if reason == "" {
		reason = string(item.Code)
	}

	class := item.Class.String()
	if item.Escalated {
		class = types.ClassPermanent.String()
	}

	alert := notify.Alert{
		ObjectPath: item.ObjectPath,
		Reason:     reason,
		MessageID:  item.MessageID,
		Class:      class,
		Deliveries: j.message.ReceiveCount,
		Timestamp:  p.now().UTC(),
	}
	if item.Err != nil {
		alert.Error = item.Err.Error()
	}

	// The item deadline may already have passed
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), alertTimeout)
	defer cancel()

	err := p.notifier.Notify(alertCtx, alert)
	if err != nil {
		p.logger.Error().Err(err).Str("object", item.ObjectPath).Msg("failed to send operator alert")
	}
	if p.observer != nil {
		p.observer.AlertSent(ctx, err == nil)
	}
	return err == nil
}

// ErrBatchFailed is returned by callers that need a batch-level error
var ErrBatchFailed = errors.New("batch has failed items")
