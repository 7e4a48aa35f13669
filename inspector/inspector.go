// Package inspector reads the current encryption of an object version.
package inspector

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// S3API defines the S3 operations used by the inspector.
type S3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Inspector issues HeadObject calls
type Inspector struct {
	client S3API
}

// New creates an inspector
func New(client S3API) *Inspector {
	return &Inspector{client: client}
}

// Inspect returns the encryption snapshot of bucket/key, pinned to versionID
// when one is given.
func (i *Inspector) Inspect(ctx context.Context, bucket, key, versionID string) (types.EncryptionState, error) {
	if bucket == "" || key == "" {
		return types.EncryptionState{}, fmt.Errorf("%w: inspect needs bucket and key", types.ErrInvalidInput)
	}

	input := &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		input.VersionId = aws.String(versionID)
	}

	out, err := i.client.HeadObject(ctx, input)
	if err != nil {
		return types.EncryptionState{}, classifyHeadError(bucket, key, versionID, err)
	}

	if aws.ToString(out.SSECustomerAlgorithm) != "" {
		return types.EncryptionState{}, fmt.Errorf("%w: s3://%s/%s uses customer-provided keys", types.ErrUnsupportedEncryption, bucket, key)
	}

	return stateFromHead(out), nil
}

func classifyHeadError(bucket, key, versionID string, err error) error {
	target := fmt.Sprintf("s3://%s/%s", bucket, key)
	if versionID != "" {
		target += "?versionId=" + versionID
	}

	switch {
	case awserr.IsNotFound(err):
		return fmt.Errorf("%w: %s", types.ErrObjectNotFound, target)
	case isCustomerKeyRejection(err):
		return fmt.Errorf("%w: head %s: %v", types.ErrUnsupportedEncryption, target, err)
	case awserr.StatusCode(err) == 400:
		return types.Permanent(fmt.Errorf("%w: bad request for head %s: %v", types.ErrInvalidInput, target, err))
	case awserr.IsTransient(err):
		return fmt.Errorf("%w: head %s: %v", types.ErrStoreUnavailable, target, err)
	default:
		return types.Permanent(fmt.Errorf("%w: head %s: %v", types.ErrStoreUnavailable, target, err))
	}
}

// HEAD on an SSE-C object without the customer key is a bodiless 400, so
// the SDK reports it only by status. Named error codes mean something else.
func isCustomerKeyRejection(err error) bool {
	if awserr.StatusCode(err) != 400 {
		return false
	}
	code := awserr.Code(err)
	return code == "" || code == "BadRequest"
}

func stateFromHead(out *s3.HeadObjectOutput) types.EncryptionState {
	return types.EncryptionState{
		Mode:               types.SSEMode(out.ServerSideEncryption),
		KMSKeyID:           aws.ToString(out.SSEKMSKeyId),
		VersionID:          aws.ToString(out.VersionId),
		Size:               aws.ToInt64(out.ContentLength),
		ETag:               aws.ToString(out.ETag),
		Modified:           aws.ToTime(out.LastModified),
		ContentType:        aws.ToString(out.ContentType),
		ContentEncoding:    aws.ToString(out.ContentEncoding),
		ContentDisposition: aws.ToString(out.ContentDisposition),
		ContentLanguage:    aws.ToString(out.ContentLanguage),
		CacheControl:       aws.ToString(out.CacheControl),
		StorageClass:       string(out.StorageClass),
		Metadata:           out.Metadata,
	}
}
