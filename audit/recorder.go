// Package audit writes one decision record per processed write event.
// Recording is best effort: a failed write is logged and counted, never
// returned to the caller.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/retry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Budget for writing one record once the item's own context is gone
const recordTimeout = 10 * time.Second

// Store persists decision records
type Store interface {
	Put(ctx context.Context, rec types.DecisionRecord) error
	Name() string
}

// Observer is told about records that could not be written
type Observer interface {
	AuditFailed(ctx context.Context, sink string)
}

// Recorder fans each record out to every configured store
type Recorder struct {
	stores   []Store
	policy   retry.Policy
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
}

// NewRecorder creates a recorder over stores
func NewRecorder(logger zerolog.Logger, policy retry.Policy, stores ...Store) *Recorder {
	return &Recorder{
		stores: stores,
		policy: policy,
		logger: logger.With().Str("component", "audit").Logger(),
		now:    time.Now,
	}
}

// WithObserver sets the failure observer
func (r *Recorder) WithObserver(o Observer) *Recorder {
	r.observer = o
	return r
}

// Record builds the decision record for one event and writes it. cause is
// the error the event ended with, if any.
func (r *Recorder) Record(ctx context.Context, event types.WriteEvent, required *types.PrefixPolicy, actual types.EncryptionState, decision types.Decision, result types.RemediationResult, cause error) types.DecisionRecord {
	rec := BuildRecord(r.now(), event, required, actual, decision, result, cause)

	// A cancelled or timed-out item still leaves a record of what it attempted
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	for _, store := range r.stores {
		err := retry.Do(ctx, r.policy, r.logger, "audit.put", func(ctx context.Context) error {
			return store.Put(ctx, rec)
		})
		if err != nil {
			r.logger.Error().
				Ctx(ctx).
				Err(fmt.Errorf("%w: %s: %v", types.ErrRecorderFailure, store.Name(), err)).
				Str("object_path", rec.ObjectPath).
				Str("sink", store.Name()).
				Msg("decision record lost")
			if r.observer != nil {
				r.observer.AuditFailed(ctx, store.Name())
			}
		}
	}
	return rec
}

// BuildRecord maps an event's outcome onto the stored record layout
func BuildRecord(now time.Time, event types.WriteEvent, required *types.PrefixPolicy, actual types.EncryptionState, decision types.Decision, result types.RemediationResult, cause error) types.DecisionRecord {
	rec := types.DecisionRecord{
		ObjectPath:       event.ObjectPath(),
		Timestamp:        now.UTC(),
		CurrentSSEType:   actual.Mode.String(),
		CurrentKMSKeyARN: actual.KeyOrNone(),
		NewSSEType:       types.NoneIfEmpty(""),
		NewKMSKeyARN:     types.NoneIfEmpty(""),
		ActionTaken:      types.ActionTakenNone,
		ActionReason:     decision.Reason,
		ReasonCode:       string(decision.Code),
		NewVersionID:     result.NewVersionID,
		DeletedVersionID: result.DeletedVersionID,
	}

	if decision.Action == types.ActionRemediate && required != nil {
		rec.ActionTaken = types.ActionTakenRemediation
		rec.NewSSEType = required.RequiredMode().String()
		rec.NewKMSKeyARN = required.KMSKeyARN
	}

	if cause != nil {
		rec.Error = cause.Error()
		if rec.ReasonCode == "" {
			rec.ReasonCode = string(types.ReasonFailed)
		}
		if rec.ActionReason == "" {
			rec.ActionReason = "processing failed"
		}
	}
	return rec
}
