package s3fake

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

func TestServer_VersionedPutAndCopy(t *testing.T) {
	s := New()
	s.CreateBucket("b", true)
	ctx := context.Background()

	v1, err := s.Put("b", "p/x", []byte("hello"), types.SSES3, "")
	require.NoError(t, err)
	assert.NotEmpty(t, v1)

	out, err := s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:               aws.String("b"),
		Key:                  aws.String("p/x"),
		CopySource:           aws.String("b%2Fp%2Fx?versionId=" + v1),
		ServerSideEncryption: s3types.ServerSideEncryptionAwsKms,
		SSEKMSKeyId:          aws.String("k2"),
	})
	require.NoError(t, err)

	head, err := s.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("b"), Key: aws.String("p/x")})
	require.NoError(t, err)
	assert.Equal(t, aws.ToString(out.VersionId), aws.ToString(head.VersionId))
	assert.Equal(t, "k2", aws.ToString(head.SSEKMSKeyId))

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "ObjectCreated:Put", events[0].EventName)
	assert.Equal(t, "ObjectCreated:Copy", events[1].EventName)
	assert.Len(t, s.Versions("b", "p/x"), 2)
}

func TestServer_UnversionedOverwrites(t *testing.T) {
	s := New()
	s.CreateBucket("b", false)

	_, err := s.Put("b", "k", []byte("one"), types.SSENone, "")
	require.NoError(t, err)
	_, err = s.Put("b", "k", []byte("two"), types.SSEKMS, "")
	require.NoError(t, err)

	versions := s.Versions("b", "k")
	require.Len(t, versions, 1)
	assert.Equal(t, DefaultKMSKey, versions[0].KMSKeyID)
	assert.False(t, s.Events()[0].Versioned())
}

func TestServer_Errors(t *testing.T) {
	s := New()
	s.CreateBucket("b", true)
	ctx := context.Background()

	_, err := s.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("b"), Key: aws.String("missing")})
	assert.True(t, awserr.IsNotFound(err))

	_, err = s.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket: aws.String("b"), Key: aws.String("k"), CopySource: aws.String("b/k?versionId=v9"),
	})
	assert.True(t, awserr.IsNoSuchVersion(err))

	s.FailNext("HeadObject", APIError(503, "SlowDown"))
	_, err = s.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String("b"), Key: aws.String("missing")})
	assert.True(t, awserr.IsTransient(err))
}

func TestParseCopySource(t *testing.T) {
	b, k, v, err := parseCopySource("b%2Fdir%2Fa%20b.txt?versionId=abc")
	require.NoError(t, err)
	assert.Equal(t, "b", b)
	assert.Equal(t, "dir/a b.txt", k)
	assert.Equal(t, "abc", v)

	_, _, _, err = parseCopySource("bucket-only")
	assert.Error(t, err)
}
