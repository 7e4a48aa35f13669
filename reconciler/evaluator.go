package reconciler

import (
	"fmt"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Fixed reasons for the no-op outcomes
const (
	ReasonTextNoPolicy  = "no key configured for this object's prefix"
	ReasonTextCompliant = "already using the correct key"
)

// Evaluate compares an object's encryption with the policy for its prefix.
// It has no side effects. A nil policy means the prefix is unconfigured.
func Evaluate(required *types.PrefixPolicy, actual types.EncryptionState) types.Decision {
	if required == nil {
		return types.Decision{
			Outcome: types.OutcomeNoPolicy,
			Action:  types.ActionNone,
			Code:    types.ReasonNoPolicy,
			Reason:  ReasonTextNoPolicy,
		}
	}

	wantMode := required.RequiredMode()
	keyOK := actual.KMSKeyID == required.KMSKeyARN
	modeOK := actual.Mode == wantMode

	d := types.Decision{Required: required}

	switch {
	case keyOK && modeOK:
		d.Outcome = types.OutcomeCompliant
		d.Action = types.ActionNone
		d.Code = types.ReasonCompliant
		d.Reason = ReasonTextCompliant
	case !keyOK:
		d.Outcome = types.OutcomeNeedsRemediation
		d.Action = types.ActionRemediate
		d.Code = types.ReasonIncorrectKey
		d.Reason = fmt.Sprintf("incorrect key: was %s, should be %s", actual.KeyOrNone(), required.KMSKeyARN)
		if !modeOK {
			d.Reason += fmt.Sprintf("; encryption mode was %s, should be %s", actual.Mode, wantMode)
		}
	default:
		d.Outcome = types.OutcomeNeedsRemediation
		d.Action = types.ActionRemediate
		d.Code = types.ReasonIncorrectMode
		d.Reason = fmt.Sprintf("incorrect encryption mode: was %s, should be %s", actual.Mode, wantMode)
	}

	return d
}
