package executor

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/retry"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

const (
	keyK1 = "arn:aws:kms:eu-west-1:111122223333:key/k1"
	keyK2 = "arn:aws:kms:eu-west-1:111122223333:key/k2"
)

var errUnexpectedCall = errors.New("unexpected call")

type mockS3Client struct {
	mu    sync.Mutex
	calls []string

	CopyObjectFunc              func(ctx context.Context, params *s3.CopyObjectInput) (*s3.CopyObjectOutput, error)
	DeleteObjectFunc            func(ctx context.Context, params *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error)
	ListObjectVersionsFunc      func(ctx context.Context, params *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error)
	CreateMultipartUploadFunc   func(ctx context.Context, params *s3.CreateMultipartUploadInput) (*s3.CreateMultipartUploadOutput, error)
	UploadPartCopyFunc          func(ctx context.Context, params *s3.UploadPartCopyInput) (*s3.UploadPartCopyOutput, error)
	CompleteMultipartUploadFunc func(ctx context.Context, params *s3.CompleteMultipartUploadInput) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUploadFunc    func(ctx context.Context, params *s3.AbortMultipartUploadInput) (*s3.AbortMultipartUploadOutput, error)
}

func (m *mockS3Client) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockS3Client) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockS3Client) CopyObject(ctx context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	m.record("CopyObject")
	if m.CopyObjectFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.CopyObjectFunc(ctx, params)
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.record("DeleteObject")
	if m.DeleteObjectFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.DeleteObjectFunc(ctx, params)
}

func (m *mockS3Client) ListObjectVersions(ctx context.Context, params *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	m.record("ListObjectVersions")
	if m.ListObjectVersionsFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.ListObjectVersionsFunc(ctx, params)
}

func (m *mockS3Client) CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	m.record("CreateMultipartUpload")
	if m.CreateMultipartUploadFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.CreateMultipartUploadFunc(ctx, params)
}

func (m *mockS3Client) UploadPartCopy(ctx context.Context, params *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	m.record("UploadPartCopy")
	if m.UploadPartCopyFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.UploadPartCopyFunc(ctx, params)
}

func (m *mockS3Client) CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	m.record("CompleteMultipartUpload")
	if m.CompleteMultipartUploadFunc == nil {
		return nil, errUnexpectedCall
	}
	return m.CompleteMultipartUploadFunc(ctx, params)
}

func (m *mockS3Client) AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.record("AbortMultipartUpload")
	if m.AbortMultipartUploadFunc == nil {
		return &s3.AbortMultipartUploadOutput{}, nil
	}
	return m.AbortMultipartUploadFunc(ctx, params)
}

func apiError(status int, code string) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      &smithy.GenericAPIError{Code: code, Message: code},
		},
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Retry = retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	return opts
}

func newRemediator(client S3API, opts Options) *Remediator {
	return New(client, opts, zerolog.Nop())
}

func policyK2() types.PrefixPolicy {
	return types.PrefixPolicy{Bucket: "b", Prefix: "p/", KMSKeyARN: keyK2}
}

func TestRemediate_InPlaceCopy(t *testing.T) {
	var captured *s3.CopyObjectInput
	mock := &mockS3Client{
		CopyObjectFunc: func(_ context.Context, params *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
			captured = params
			return &s3.CopyObjectOutput{VersionId: aws.String("null")}, nil
		},
	}

	event := types.WriteEvent{Bucket: "b", Key: "p/a file.txt"}
	state := types.EncryptionState{
		Mode:         types.SSEKMS,
		KMSKeyID:     keyK1,
		Size:         10,
		ETag:         `"abc"`,
		ContentType:  "text/plain",
		StorageClass: "STANDARD_IA",
		Metadata:     map[string]string{"owner": "data"},
	}

	result, err := newRemediator(mock, fastOptions()).Remediate(context.Background(), event, state, policyK2())

	require.NoError(t, err)
	assert.Empty(t, result.NewVersionID, "unversioned copies report no version")
	assert.False(t, result.Multipart)

	require.NotNil(t, captured)
	assert.Equal(t, "b%2Fp%2Fa%20file.txt", aws.ToString(captured.CopySource))
	assert.Equal(t, s3types.ServerSideEncryptionAwsKms, captured.ServerSideEncryption)
	assert.Equal(t, keyK2, aws.ToString(captured.SSEKMSKeyId))
	assert.Equal(t, s3types.MetadataDirectiveReplace, captured.MetadataDirective)
	assert.Equal(t, "text/plain", aws.ToString(captured.ContentType))
	assert.Equal(t, s3types.StorageClassStandardIa, captured.StorageClass)
	assert.Equal(t, map[string]string{"owner": "data"}, captured.Metadata)
	assert.Equal(t, `"abc"`, aws.ToString(captured.CopySourceIfMatch))
	assert.Nil(t, captured.CacheControl, "empty headers are not sent")
	assert.Zero(t, mock.count("DeleteObject"))
}

func TestRemediate_DualLayerMode(t *testing.T) {
	var captured *s3.CopyObjectInput
	mock := &mockS3Client{
		CopyObjectFunc: func(_ context.Context, params *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
			captured = params
			return &s3.CopyObjectOutput{}, nil
		},
	}
	policy := policyK2()
	policy.DualLayer = true

	_, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x"}, types.EncryptionState{Mode: types.SSEKMS, KMSKeyID: keyK2}, policy)

	require.NoError(t, err)
	assert.Equal(t, s3types.ServerSideEncryptionAwsKmsDsse, captured.ServerSideEncryption)
}

func TestRemediate_VersionedCopyThenDelete(t *testing.T) {
	var copyIn *s3.CopyObjectInput
	var deleteIn *s3.DeleteObjectInput
	mock := &mockS3Client{
		ListObjectVersionsFunc: func(_ context.Context, params *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
			assert.Equal(t, "p/x", aws.ToString(params.Prefix))
			return &s3.ListObjectVersionsOutput{
				Versions: []s3types.ObjectVersion{
					{Key: aws.String("p/x"), VersionId: aws.String("v2")},
					{Key: aws.String("p/x"), VersionId: aws.String("v1")},
				},
			}, nil
		},
		CopyObjectFunc: func(_ context.Context, params *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
			copyIn = params
			return &s3.CopyObjectOutput{VersionId: aws.String("v3")}, nil
		},
		DeleteObjectFunc: func(_ context.Context, params *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			deleteIn = params
			return &s3.DeleteObjectOutput{}, nil
		},
	}

	event := types.WriteEvent{Bucket: "b", Key: "p/x", VersionID: "v1"}
	result, err := newRemediator(mock, fastOptions()).Remediate(context.Background(), event,
		types.EncryptionState{Mode: types.SSES3, VersionID: "v1", Size: 5}, policyK2())

	require.NoError(t, err)
	assert.Equal(t, "v3", result.NewVersionID)
	assert.Equal(t, "v1", result.DeletedVersionID)
	assert.Equal(t, "b%2Fp%2Fx?versionId=v1", aws.ToString(copyIn.CopySource))
	assert.Equal(t, "v1", aws.ToString(deleteIn.VersionId))
}

func TestRemediate_VersionAlreadyGone(t *testing.T) {
	mock := &mockS3Client{
		ListObjectVersionsFunc: func(_ context.Context, _ *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
			return &s3.ListObjectVersionsOutput{
				Versions: []s3types.ObjectVersion{
					{Key: aws.String("p/x"), VersionId: aws.String("v2")},
					{Key: aws.String("p/x2"), VersionId: aws.String("v1")},
				},
			}, nil
		},
	}

	_, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x", VersionID: "v1"},
		types.EncryptionState{Mode: types.SSES3}, policyK2())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrVersionSuperseded)
	assert.Equal(t, types.ClassBenign, types.Classify(err))
	assert.Zero(t, mock.count("CopyObject"))
}

func TestRemediate_VersionListingPaginates(t *testing.T) {
	pages := 0
	mock := &mockS3Client{
		ListObjectVersionsFunc: func(_ context.Context, params *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
			pages++
			if params.KeyMarker == nil {
				return &s3.ListObjectVersionsOutput{
					Versions:            []s3types.ObjectVersion{{Key: aws.String("p/x"), VersionId: aws.String("v9")}},
					IsTruncated:         aws.Bool(true),
					NextKeyMarker:       aws.String("p/x"),
					NextVersionIdMarker: aws.String("v9"),
				}, nil
			}
			assert.Equal(t, "v9", aws.ToString(params.VersionIdMarker))
			return &s3.ListObjectVersionsOutput{
				Versions: []s3types.ObjectVersion{{Key: aws.String("p/x"), VersionId: aws.String("v1")}},
			}, nil
		},
		CopyObjectFunc: func(_ context.Context, _ *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
			return &s3.CopyObjectOutput{VersionId: aws.String("v10")}, nil
		},
		DeleteObjectFunc: func(_ context.Context, _ *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			return &s3.DeleteObjectOutput{}, nil
		},
	}

	result, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x", VersionID: "v1"},
		types.EncryptionState{Mode: types.SSES3}, policyK2())

	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	assert.Equal(t, "v10", result.NewVersionID)
}

func TestRemediate_VersionedTooLarge(t *testing.T) {
	mock := &mockS3Client{
		ListObjectVersionsFunc: func(_ context.Context, _ *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
			return &s3.ListObjectVersionsOutput{
				Versions: []s3types.ObjectVersion{{Key: aws.String("p/x"), VersionId: aws.String("v1")}},
			}, nil
		},
	}
	opts := fastOptions()
	opts.MaxSingleCopyBytes = 100

	_, err := newRemediator(mock, opts).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x", VersionID: "v1"},
		types.EncryptionState{Mode: types.SSES3, Size: 101}, policyK2())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrObjectTooLarge)
	assert.Equal(t, types.ClassPermanent, types.Classify(err))
	assert.Zero(t, mock.count("CopyObject"))
}

func TestRemediate_DeleteRetriedThenFails(t *testing.T) {
	mock := &mockS3Client{
		ListObjectVersionsFunc: func(_ context.Context, _ *s3.ListObjectVersionsInput) (*s3.ListObjectVersionsOutput, error) {
			return &s3.ListObjectVersionsOutput{
				Versions: []s3types.ObjectVersion{{Key: aws.String("p/x"), VersionId: aws.String("v1")}},
			}, nil
		},
		CopyObjectFunc: func(_ context.Context, _ *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
			return &s3.CopyObjectOutput{VersionId: aws.String("v2")}, nil
		},
		DeleteObjectFunc: func(_ context.Context, _ *s3.DeleteObjectInput) (*s3.DeleteObjectOutput, error) {
			return nil, apiError(503, "SlowDown")
		},
	}

	result, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x", VersionID: "v1"},
		types.EncryptionState{Mode: types.SSES3}, policyK2())

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCopyFailed)
	assert.Equal(t, types.ClassPermanent, types.Classify(err), "a redelivery must not copy again")
	assert.Equal(t, "v2", result.NewVersionID, "the compliant copy is still reported")
	assert.Empty(t, result.DeletedVersionID)
	assert.Equal(t, 3, mock.count("DeleteObject"))
}

func TestRemediate_CopyErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantIs    error
		wantClass types.Class
	}{
		{"throttled", apiError(503, "SlowDown"), types.ErrCopyFailed, types.ClassTransient},
		{"access denied", apiError(403, "AccessDenied"), types.ErrCopyFailed, types.ClassPermanent},
		{"kms key disabled", apiError(400, "KMS.DisabledException"), types.ErrCopyFailed, types.ClassPermanent},
		{"object deleted", apiError(404, "NoSuchKey"), types.ErrObjectNotFound, types.ClassBenign},
		{"overwritten", apiError(412, "PreconditionFailed"), types.ErrVersionSuperseded, types.ClassBenign},
		{"unknown client error", apiError(400, "InvalidRequest"), types.ErrCopyFailed, types.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockS3Client{
				CopyObjectFunc: func(_ context.Context, _ *s3.CopyObjectInput) (*s3.CopyObjectOutput, error) {
					return nil, tt.err
				},
			}

			_, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
				types.WriteEvent{Bucket: "b", Key: "p/x"}, types.EncryptionState{Mode: types.SSES3}, policyK2())

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantIs)
			assert.Equal(t, tt.wantClass, types.Classify(err))
		})
	}
}

func TestRemediate_RejectsInvalidPolicy(t *testing.T) {
	mock := &mockS3Client{}

	_, err := newRemediator(mock, fastOptions()).Remediate(context.Background(),
		types.WriteEvent{Bucket: "b", Key: "p/x"}, types.EncryptionState{}, types.PrefixPolicy{Bucket: "b"})

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	assert.Empty(t, mock.calls)
}

func TestNew_ClampsOptions(t *testing.T) {
	r := New(&mockS3Client{}, Options{MaxSingleCopyBytes: 10 << 30}, zerolog.Nop())

	assert.Equal(t, int64(maxSingleCopyBytes), r.options.MaxSingleCopyBytes)
	assert.Equal(t, int64(512<<20), r.options.PartSize)
	assert.Equal(t, 4, r.options.PartConcurrency)
	assert.Equal(t, retry.DefaultPolicy(), r.options.Retry)
}
