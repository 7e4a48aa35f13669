package executor

import (
	"context"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/retry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// S3API is the subset of the S3 client the remediator writes through
type S3API interface {
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, optFns ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, optFns ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Options controls how corrective copies are made
type Options struct {
	// Objects above this size are copied part by part
	MaxSingleCopyBytes int64
	PartSize           int64
	PartConcurrency    int
	// Retry applies to the old-version delete after a successful copy
	Retry retry.Policy
}

// 5 GiB is the CopyObject ceiling
const maxSingleCopyBytes = 5 << 30

// DefaultOptions mirrors the S3 limits
func DefaultOptions() Options {
	return Options{
		MaxSingleCopyBytes: maxSingleCopyBytes,
		PartSize:           512 << 20,
		PartConcurrency:    4,
		Retry:              retry.DefaultPolicy(),
	}
}

// Remediator rewrites non-compliant objects under the required key
type Remediator struct {
	client  S3API
	options Options
	logger  zerolog.Logger
}

// New creates a remediator
func New(client S3API, options Options, logger zerolog.Logger) *Remediator {
	defaults := DefaultOptions()
	if options.MaxSingleCopyBytes <= 0 || options.MaxSingleCopyBytes > maxSingleCopyBytes {
		options.MaxSingleCopyBytes = defaults.MaxSingleCopyBytes
	}
	if options.PartSize <= 0 {
		options.PartSize = defaults.PartSize
	}
	if options.PartConcurrency <= 0 {
		options.PartConcurrency = defaults.PartConcurrency
	}
	if options.Retry.MaxAttempts <= 0 {
		options.Retry = defaults.Retry
	}

	return &Remediator{
		client:  client,
		options: options,
		logger:  logger.With().Str("component", "remediator").Logger(),
	}
}

// Remediate copies the object onto itself with the required encryption.
// For a versioned event the copy is taken from the event's version, which
// is then deleted so only a compliant copy of that content remains.
func (r *Remediator) Remediate(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (types.RemediationResult, error) {
	if err := event.Validate(); err != nil {
		return types.RemediationResult{}, err
	}
	if err := policy.Validate(); err != nil {
		return types.RemediationResult{}, err
	}

	if event.Versioned() {
		return r.remediateVersion(ctx, event, state, policy)
	}
	return r.remediateInPlace(ctx, event, state, policy)
}

func (r *Remediator) remediateInPlace(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (types.RemediationResult, error) {
	if state.Size > r.options.MaxSingleCopyBytes {
		return r.multipartCopy(ctx, event, state, policy)
	}

	out, err := r.client.CopyObject(ctx, r.copyInput(event, state, policy))
	if err != nil {
		return types.RemediationResult{}, classifyCopyError(event, err)
	}

	result := types.RemediationResult{NewVersionID: versionOrEmpty(out.VersionId)}
	r.logger.Info().
		Str("object", event.ObjectPath()).
		Str("kms_key", policy.KMSKeyARN).
		Msg("object re-encrypted in place")
	return result, nil
}

func (r *Remediator) remediateVersion(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (types.RemediationResult, error) {
	exists, err := r.versionExists(ctx, event)
	if err != nil {
		return types.RemediationResult{}, err
	}
	if !exists {
		return types.RemediationResult{}, fmt.Errorf("%w: %s", types.ErrVersionSuperseded, event.ObjectPath())
	}

	// Multipart completion cannot name a source version's successor
	// atomically, so large versioned objects are left for an operator.
	if state.Size > r.options.MaxSingleCopyBytes {
		return types.RemediationResult{}, types.Permanent(fmt.Errorf("%w: %s is %d bytes",
			types.ErrObjectTooLarge, event.ObjectPath(), state.Size))
	}

	out, err := r.client.CopyObject(ctx, r.copyInput(event, state, policy))
	if err != nil {
		return types.RemediationResult{}, classifyCopyError(event, err)
	}
	result := types.RemediationResult{NewVersionID: versionOrEmpty(out.VersionId)}

	err = retry.Do(ctx, r.options.Retry, r.logger, "delete_version", func(ctx context.Context) error {
		_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket:    aws.String(event.Bucket),
			Key:       aws.String(event.Key),
			VersionId: aws.String(event.VersionID),
		})
		if err == nil || awserr.IsNotFound(err) {
			return nil
		}
		if awserr.IsTransient(err) {
			return fmt.Errorf("%w: delete %s: %v", types.ErrCopyFailed, event.ObjectPath(), err)
		}
		return types.Permanent(fmt.Errorf("%w: delete %s: %v", types.ErrCopyFailed, event.ObjectPath(), err))
	})
	if err != nil {
		// The compliant copy exists. A redelivery would find the old version
		// still non-compliant and copy it a second time, so this is final.
		return result, types.Permanent(err)
	}
	result.DeletedVersionID = event.VersionID

	r.logger.Info().
		Str("object", event.ObjectPath()).
		Str("new_version", result.NewVersionID).
		Str("kms_key", policy.KMSKeyARN).
		Msg("version replaced with compliant copy")
	return result, nil
}

// versionExists walks the key's version listing looking for the event's version
func (r *Remediator) versionExists(ctx context.Context, event types.WriteEvent) (bool, error) {
	input := &s3.ListObjectVersionsInput{
		Bucket: aws.String(event.Bucket),
		Prefix: aws.String(event.Key),
	}

	for {
		out, err := r.client.ListObjectVersions(ctx, input)
		if err != nil {
			if awserr.IsNotFound(err) {
				return false, nil
			}
			if awserr.IsTransient(err) {
				return false, fmt.Errorf("%w: list versions of %s: %v", types.ErrStoreUnavailable, event.ObjectPath(), err)
			}
			return false, types.Permanent(fmt.Errorf("%w: list versions of %s: %v", types.ErrStoreUnavailable, event.ObjectPath(), err))
		}

		for _, v := range out.Versions {
			key := aws.ToString(v.Key)
			if key == event.Key && aws.ToString(v.VersionId) == event.VersionID {
				return true, nil
			}
			// Listing is key-ordered; anything past our key is a sibling
			if key > event.Key {
				return false, nil
			}
		}

		if !aws.ToBool(out.IsTruncated) {
			return false, nil
		}
		input.KeyMarker = out.NextKeyMarker
		input.VersionIdMarker = out.NextVersionIdMarker
	}
}

func (r *Remediator) copyInput(event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) *s3.CopyObjectInput {
	input := &s3.CopyObjectInput{
		Bucket:               aws.String(event.Bucket),
		Key:                  aws.String(event.Key),
		CopySource:           aws.String(copySource(event)),
		ServerSideEncryption: s3types.ServerSideEncryption(policy.RequiredMode()),
		SSEKMSKeyId:          aws.String(policy.KMSKeyARN),
		MetadataDirective:    s3types.MetadataDirectiveReplace,
		Metadata:             state.Metadata,
	}
	if state.ETag != "" {
		input.CopySourceIfMatch = aws.String(state.ETag)
	}
	if state.StorageClass != "" {
		input.StorageClass = s3types.StorageClass(state.StorageClass)
	}
	input.ContentType = optional(state.ContentType)
	input.ContentEncoding = optional(state.ContentEncoding)
	input.ContentDisposition = optional(state.ContentDisposition)
	input.ContentLanguage = optional(state.ContentLanguage)
	input.CacheControl = optional(state.CacheControl)
	return input
}

// copySource is the URL-encoded "bucket/key[?versionId=v]" S3 expects
func copySource(event types.WriteEvent) string {
	source := url.PathEscape(event.Bucket + "/" + event.Key)
	if event.Versioned() {
		source += "?versionId=" + url.QueryEscape(event.VersionID)
	}
	return source
}

// classifyCopyError maps a failed write onto the error taxonomy
func classifyCopyError(event types.WriteEvent, err error) error {
	switch {
	case awserr.IsNoSuchVersion(err):
		return fmt.Errorf("%w: %s", types.ErrVersionSuperseded, event.ObjectPath())
	case awserr.IsNotFound(err):
		return fmt.Errorf("%w: %s", types.ErrObjectNotFound, event.ObjectPath())
	case awserr.Code(err) == "PreconditionFailed" || awserr.StatusCode(err) == 412:
		// Overwritten since inspection; the newer write has its own event
		return fmt.Errorf("%w: %s changed during copy", types.ErrVersionSuperseded, event.ObjectPath())
	case awserr.IsKMSKeyError(err), awserr.Code(err) == "AccessDenied":
		return types.Permanent(fmt.Errorf("%w: %s: %v", types.ErrCopyFailed, event.ObjectPath(), err))
	case awserr.IsTransient(err):
		return fmt.Errorf("%w: %s: %v", types.ErrCopyFailed, event.ObjectPath(), err)
	default:
		return types.Permanent(fmt.Errorf("%w: %s: %v", types.ErrCopyFailed, event.ObjectPath(), err))
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// Unversioned buckets answer with the literal "null"
func versionOrEmpty(v *string) string {
	id := aws.ToString(v)
	if id == "null" {
		return ""
	}
	return id
}
