package types

import (
	"context"
	"errors"
)

// Error taxonomy shared by every stage of the pipeline
var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrMappingStoreUnavailable = errors.New("mapping store unavailable")
	ErrStoreUnavailable        = errors.New("object store unavailable")
	ErrObjectNotFound          = errors.New("object not found")
	ErrVersionSuperseded       = errors.New("version already superseded")
	ErrPolicyConflict          = errors.New("policy conflict")
	ErrCopyFailed              = errors.New("copy failed")
	ErrObjectTooLarge          = errors.New("object too large for corrective copy")
	ErrUnsupportedEncryption   = errors.New("unsupported encryption")
	ErrKeyUnusable             = errors.New("kms key unusable")
	ErrRecorderFailure         = errors.New("recorder failure")
)

// Class tells the batch processor what to do with a failed item
type Class int

const (
	ClassNone Class = iota
	ClassBenign
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassBenign:
		return "benign"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an otherwise retryable error as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Classify maps an error onto the retry policy. Errors outside the taxonomy
// are treated as transient so the delivery bound eventually escalates them.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, ErrVersionSuperseded) {
		return ClassBenign
	}

	var pe *permanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}

	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrPolicyConflict),
		errors.Is(err, ErrObjectTooLarge),
		errors.Is(err, ErrUnsupportedEncryption),
		errors.Is(err, ErrKeyUnusable):
		return ClassPermanent
	case errors.Is(err, ErrMappingStoreUnavailable),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrCopyFailed),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return ClassTransient
	}

	return ClassTransient
}

// IsRetryable is true for transient failures
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}
