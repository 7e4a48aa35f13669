// Package notify delivers operator alerts for events the pipeline gave up on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Alert is one permanently failed event
type Alert struct {
	ObjectPath string    `json:"object_path"`
	Reason     string    `json:"reason"`
	Error      string    `json:"error"`
	MessageID  string    `json:"message_id"`
	Class      string    `json:"class,omitempty"`
	Deliveries int       `json:"deliveries,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier sends alerts to an operator channel
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// MultiNotifier fans out to several channels
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to every channel
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify tries every channel and joins their errors
func (m *MultiNotifier) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes alerts to the log at error level
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alerts").Logger()}
}

func (n *LogNotifier) Notify(ctx context.Context, alert Alert) error {
	n.logger.Error().
		Ctx(ctx).
		Str("object_path", alert.ObjectPath).
		Str("reason", alert.Reason).
		Str("error", alert.Error).
		Str("message_id", alert.MessageID).
		Str("class", alert.Class).
		Int("deliveries", alert.Deliveries).
		Msg("operator alert")
	return nil
}
