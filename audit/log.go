package audit

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// LogStore emits records as structured log lines
type LogStore struct {
	logger zerolog.Logger
}

// NewLogStore creates a log-only store
func NewLogStore(logger zerolog.Logger) *LogStore {
	return &LogStore{logger: logger.With().Str("component", "audit").Logger()}
}

func (s *LogStore) Name() string {
	return "log"
}

func (s *LogStore) Put(ctx context.Context, rec types.DecisionRecord) error {
	event := s.logger.Info()
	if rec.Error != "" {
		event = s.logger.Warn().Str("error", rec.Error)
	}
	event.Ctx(ctx).
		Str("s3_object_path", rec.ObjectPath).
		Str("current_timestamp_utc", rec.TimestampString()).
		Str("current_sse_type", rec.CurrentSSEType).
		Str("current_kms_key_arn", rec.CurrentKMSKeyARN).
		Str("new_sse_type", rec.NewSSEType).
		Str("new_kms_key_arn", rec.NewKMSKeyARN).
		Str("action_taken", rec.ActionTaken).
		Str("action_reason", rec.ActionReason).
		Str("reason_code", rec.ReasonCode).
		Str("new_version_id", rec.NewVersionID).
		Str("deleted_version_id", rec.DeletedVersionID).
		Msg("decision recorded")
	return nil
}
