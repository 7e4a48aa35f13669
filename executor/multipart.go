package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// S3 caps an upload at 10,000 parts
const maxParts = 10000

const abortTimeout = 30 * time.Second

type byteRange struct {
	part       int32
	start, end int64
}

// partRanges splits size bytes into inclusive ranges of at most partSize,
// growing the part size if the object would need more than maxParts.
func partRanges(size, partSize int64) []byteRange {
	if size <= 0 {
		return nil
	}
	if size > partSize*maxParts {
		partSize = (size + maxParts - 1) / maxParts
	}

	ranges := make([]byteRange, 0, (size+partSize-1)/partSize)
	for start, part := int64(0), int32(1); start < size; start, part = start+partSize, part+1 {
		end := start + partSize - 1
		if end >= size {
			end = size - 1
		}
		ranges = append(ranges, byteRange{part: part, start: start, end: end})
	}
	return ranges
}

// multipartCopy re-encrypts an object too large for a single CopyObject.
// Every part is pinned to the inspected ETag so a concurrent overwrite
// aborts the upload instead of splicing two objects together.
func (r *Remediator) multipartCopy(ctx context.Context, event types.WriteEvent, state types.EncryptionState, policy types.PrefixPolicy) (types.RemediationResult, error) {
	create := &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(event.Bucket),
		Key:                  aws.String(event.Key),
		ServerSideEncryption: s3types.ServerSideEncryption(policy.RequiredMode()),
		SSEKMSKeyId:          aws.String(policy.KMSKeyARN),
		Metadata:             state.Metadata,
		ContentType:          optional(state.ContentType),
		ContentEncoding:      optional(state.ContentEncoding),
		ContentDisposition:   optional(state.ContentDisposition),
		ContentLanguage:      optional(state.ContentLanguage),
		CacheControl:         optional(state.CacheControl),
	}
	if state.StorageClass != "" {
		create.StorageClass = s3types.StorageClass(state.StorageClass)
	}

	upload, err := r.client.CreateMultipartUpload(ctx, create)
	if err != nil {
		return types.RemediationResult{}, classifyCopyError(event, err)
	}
	uploadID := aws.ToString(upload.UploadId)

	logger := r.logger.With().
		Str("object", event.ObjectPath()).
		Str("upload_id", uploadID).
		Logger()

	ranges := partRanges(state.Size, r.options.PartSize)
	completed := make([]s3types.CompletedPart, len(ranges))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.options.PartConcurrency)
	for i, br := range ranges {
		g.Go(func() error {
			input := &s3.UploadPartCopyInput{
				Bucket:          aws.String(event.Bucket),
				Key:             aws.String(event.Key),
				UploadId:        aws.String(uploadID),
				PartNumber:      aws.Int32(br.part),
				CopySource:      aws.String(copySource(event)),
				CopySourceRange: aws.String(fmt.Sprintf("bytes=%d-%d", br.start, br.end)),
			}
			if state.ETag != "" {
				input.CopySourceIfMatch = aws.String(state.ETag)
			}

			out, err := r.client.UploadPartCopy(gctx, input)
			if err != nil {
				return err
			}
			etag := ""
			if out.CopyPartResult != nil {
				etag = aws.ToString(out.CopyPartResult.ETag)
			}
			completed[i] = s3types.CompletedPart{
				ETag:       aws.String(etag),
				PartNumber: aws.Int32(br.part),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.abort(event, uploadID)
		logger.Warn().Err(err).Msg("multipart copy failed, upload aborted")
		return types.RemediationResult{}, classifyCopyError(event, err)
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	out, err := r.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(event.Bucket),
		Key:             aws.String(event.Key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		r.abort(event, uploadID)
		return types.RemediationResult{}, classifyCopyError(event, err)
	}

	logger.Info().
		Int("parts", len(completed)).
		Str("kms_key", policy.KMSKeyARN).
		Msg("object re-encrypted with multipart copy")

	return types.RemediationResult{
		NewVersionID: versionOrEmpty(out.VersionId),
		Multipart:    true,
		Parts:        len(completed),
	}, nil
}

// abort uses a fresh context so a cancelled item still cleans up its parts
func (r *Remediator) abort(event types.WriteEvent, uploadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	_, err := r.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(event.Bucket),
		Key:      aws.String(event.Key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		r.logger.Error().
			Err(err).
			Str("object", event.ObjectPath()).
			Str("upload_id", uploadID).
			Msg("failed to abort multipart upload")
	}
}
