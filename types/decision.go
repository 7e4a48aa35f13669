package types

import (
	"fmt"
	"time"
)

// Outcome is the compliance evaluator's verdict
type Outcome string

const (
	OutcomeNoPolicy         Outcome = "no_policy"
	OutcomeCompliant        Outcome = "compliant"
	OutcomeNeedsRemediation Outcome = "needs_remediation"
	// Processing ended before or instead of a verdict
	OutcomeSkipped Outcome = "skipped"
)

// Actions the evaluator can ask for
const (
	ActionNone      = "none"
	ActionRemediate = "remediate"
)

// Values of DecisionRecord.ActionTaken
const (
	ActionTakenNone        = "none"
	ActionTakenRemediation = "remediation initiated"
)

// Reason codes classify why an event ended the way it did
type ReasonCode string

const (
	ReasonNoPolicy       ReasonCode = "no_policy"
	ReasonCompliant      ReasonCode = "compliant"
	ReasonIncorrectKey   ReasonCode = "incorrect_key"
	ReasonIncorrectMode  ReasonCode = "incorrect_mode"
	ReasonObjectGone     ReasonCode = "object_gone"
	ReasonSuperseded     ReasonCode = "version_superseded"
	ReasonPolicyConflict ReasonCode = "policy_conflict"
	ReasonGuardDenied    ReasonCode = "guard_denied"
	ReasonFailed         ReasonCode = "failed"
)

// Decision is what the evaluator concluded for one object
type Decision struct {
	Outcome  Outcome       `json:"outcome"`
	Action   string        `json:"action"`
	Code     ReasonCode    `json:"code"`
	Reason   string        `json:"reason"`
	Required *PrefixPolicy `json:"required,omitempty"`
}

// NeedsRemediation is shorthand for Outcome == OutcomeNeedsRemediation
func (d Decision) NeedsRemediation() bool {
	return d.Outcome == OutcomeNeedsRemediation
}

// Validate ensures the decision has required fields
func (d Decision) Validate() error {
	if d.Outcome == "" {
		return fmt.Errorf("decision outcome cannot be empty")
	}
	if d.Action == "" {
		return fmt.Errorf("decision action cannot be empty")
	}
	if d.Reason == "" {
		return fmt.Errorf("decision reason cannot be empty")
	}
	if d.Outcome == OutcomeNeedsRemediation && d.Required == nil {
		return fmt.Errorf("remediation decision must carry the required policy")
	}
	return nil
}

// RemediationResult describes the writes a remediation made
type RemediationResult struct {
	NewVersionID     string `json:"new_version_id,omitempty"`
	DeletedVersionID string `json:"deleted_version_id,omitempty"`
	Multipart        bool   `json:"multipart,omitempty"`
	Parts            int    `json:"parts,omitempty"`
}

// DecisionRecord is the append-only audit entry written once per event
type DecisionRecord struct {
	ObjectPath       string    `json:"s3_object_path"`
	Timestamp        time.Time `json:"timestamp"`
	CurrentSSEType   string    `json:"current_sse_type"`
	CurrentKMSKeyARN string    `json:"current_kms_key_arn"`
	NewSSEType       string    `json:"new_sse_type"`
	NewKMSKeyARN     string    `json:"new_kms_key_arn"`
	ActionTaken      string    `json:"action_taken"`
	ActionReason     string    `json:"action_reason"`
	ReasonCode       string    `json:"reason_code,omitempty"`
	NewVersionID     string    `json:"new_version_id,omitempty"`
	DeletedVersionID string    `json:"deleted_version_id,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// AuditTimeLayout is the millisecond-precision UTC layout of record timestamps
const AuditTimeLayout = "2006-01-02 15:04:05.000Z07:00"

// TimestampString renders the record time for storage keys
func (r DecisionRecord) TimestampString() string {
	return r.Timestamp.UTC().Format(AuditTimeLayout)
}

// NoneIfEmpty maps empty audit fields to the stored sentinel
func NoneIfEmpty(s string) string {
	if s == "" {
		return noneSentinel
	}
	return s
}
