// Package s3fake is an in-memory, versioning-aware stand-in for the S3
// operations the reconciler uses. Every write is also recorded as the
// notification S3 would have emitted, so tests can feed them back in.
package s3fake

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// DefaultKMSKey is reported for SSE-KMS writes that name no key
const DefaultKMSKey = "arn:aws:kms:us-east-1:000000000000:alias/aws/s3"

// Object is one stored version
type Object struct {
	Key          string
	VersionID    string
	Body         []byte
	ETag         string
	SSE          types.SSEMode
	KMSKeyID     string
	SSECustomer  bool
	Metadata     map[string]string
	ContentType  string
	CacheControl string
	StorageClass string
	DeleteMarker bool
	Modified     time.Time
}

type bucket struct {
	versioned bool
	// Per key, oldest first
	objects map[string][]*Object
}

type upload struct {
	bucket, key string
	sse         types.SSEMode
	kmsKey      string
	metadata    map[string]string
	contentType string
	parts       map[int32][]byte
}

// CopyHook runs before a copy takes effect, outside the lock
type CopyHook func(input *s3.CopyObjectInput)

// Server holds buckets and the notifications their writes produced
type Server struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	uploads map[string]*upload
	events  []types.WriteEvent
	seq     int
	now     func() time.Time

	beforeCopy CopyHook
	failures   map[string][]error
}

// New creates an empty fake
func New() *Server {
	return &Server{
		buckets:  make(map[string]*bucket),
		uploads:  make(map[string]*upload),
		failures: make(map[string][]error),
		now:      time.Now,
	}
}

// CreateBucket adds a bucket, optionally with versioning enabled
func (s *Server) CreateBucket(name string, versioned bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[name] = &bucket{versioned: versioned, objects: make(map[string][]*Object)}
}

// BeforeCopy installs a hook that runs ahead of every CopyObject
func (s *Server) BeforeCopy(hook CopyHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeCopy = hook
}

// FailNext queues errors returned by the next calls of operation
func (s *Server) FailNext(operation string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[operation] = append(s.failures[operation], errs...)
}

func (s *Server) injected(operation string) error {
	queue := s.failures[operation]
	if len(queue) == 0 {
		return nil
	}
	s.failures[operation] = queue[1:]
	return queue[0]
}

// Put stores an object the way a client upload would and returns its version
func (s *Server) Put(bucketName, key string, body []byte, sse types.SSEMode, kmsKey string) (string, error) {
	out, err := s.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:               aws.String(bucketName),
		Key:                  aws.String(key),
		Body:                 bytes.NewReader(body),
		ServerSideEncryption: s3types.ServerSideEncryption(sse),
		SSEKMSKeyId:          optional(kmsKey),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.VersionId), nil
}

// Events returns the notifications recorded so far
func (s *Server) Events() []types.WriteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.WriteEvent, len(s.events))
	copy(out, s.events)
	return out
}

// DrainEvents returns and forgets the recorded notifications
func (s *Server) DrainEvents() []types.WriteEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.events
	s.events = nil
	return out
}

// Versions lists the stored versions of key, oldest first
func (s *Server) Versions(bucketName, key string) []Object {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[bucketName]
	if b == nil {
		return nil
	}
	out := make([]Object, 0, len(b.objects[key]))
	for _, o := range b.objects[key] {
		out = append(out, *o)
	}
	return out
}

// Latest returns the current version of key
func (s *Server) Latest(bucketName, key string) (Object, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.latest(bucketName, key)
	if o == nil {
		return Object{}, false
	}
	return *o, true
}

func (s *Server) latest(bucketName, key string) *Object {
	b := s.buckets[bucketName]
	if b == nil {
		return nil
	}
	versions := b.objects[key]
	if len(versions) == 0 {
		return nil
	}
	o := versions[len(versions)-1]
	if o.DeleteMarker {
		return nil
	}
	return o
}

func (s *Server) find(bucketName, key, versionID string) (*Object, error) {
	b := s.buckets[bucketName]
	if b == nil {
		return nil, apiError(http.StatusNotFound, "NoSuchBucket")
	}
	if versionID == "" {
		if o := s.latest(bucketName, key); o != nil {
			return o, nil
		}
		return nil, apiError(http.StatusNotFound, "NoSuchKey")
	}
	for _, o := range b.objects[key] {
		if o.VersionID == versionID && !o.DeleteMarker {
			return o, nil
		}
	}
	return nil, apiError(http.StatusNotFound, "NoSuchVersion")
}

// store appends or replaces a version and records its notification
func (s *Server) store(bucketName string, o *Object, eventName string) error {
	b := s.buckets[bucketName]
	if b == nil {
		return apiError(http.StatusNotFound, "NoSuchBucket")
	}

	s.seq++
	o.Modified = s.now()
	if o.SSE == types.SSENone && !o.DeleteMarker {
		// Buckets encrypt by default
		o.SSE = types.SSES3
	}
	if o.SSE.IsKMS() && o.KMSKeyID == "" {
		o.KMSKeyID = DefaultKMSKey
	}

	if b.versioned {
		o.VersionID = fmt.Sprintf("v%d", s.seq)
		b.objects[o.Key] = append(b.objects[o.Key], o)
	} else {
		o.VersionID = ""
		b.objects[o.Key] = []*Object{o}
	}

	if !o.DeleteMarker {
		s.events = append(s.events, types.WriteEvent{
			Bucket:    bucketName,
			Key:       o.Key,
			VersionID: o.VersionID,
			EventTime: o.Modified,
			EventName: eventName,
			Sequencer: fmt.Sprintf("%016X", s.seq),
			Size:      int64(len(o.Body)),
		})
	}
	return nil
}

// PutObject stores a new version
func (s *Server) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if params.Body != nil {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(params.Body); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("PutObject"); err != nil {
		return nil, err
	}

	o := &Object{
		Key:          aws.ToString(params.Key),
		Body:         body,
		ETag:         etag(body),
		SSE:          types.SSEMode(params.ServerSideEncryption),
		KMSKeyID:     aws.ToString(params.SSEKMSKeyId),
		SSECustomer:  params.SSECustomerAlgorithm != nil,
		Metadata:     params.Metadata,
		ContentType:  aws.ToString(params.ContentType),
		CacheControl: aws.ToString(params.CacheControl),
		StorageClass: string(params.StorageClass),
	}
	if err := s.store(aws.ToString(params.Bucket), o, "ObjectCreated:Put"); err != nil {
		return nil, err
	}
	return &s3.PutObjectOutput{ETag: aws.String(o.ETag), VersionId: versionPtr(o.VersionID)}, nil
}

// HeadObject reports an object's encryption and headers
func (s *Server) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("HeadObject"); err != nil {
		return nil, err
	}

	o, err := s.find(aws.ToString(params.Bucket), aws.ToString(params.Key), aws.ToString(params.VersionId))
	if err != nil {
		// HEAD responses carry no error body
		return nil, apiError(http.StatusNotFound, "NotFound")
	}

	out := &s3.HeadObjectOutput{
		ContentLength:        aws.Int64(int64(len(o.Body))),
		ETag:                 aws.String(o.ETag),
		LastModified:         aws.Time(o.Modified),
		VersionId:            versionPtr(o.VersionID),
		ServerSideEncryption: s3types.ServerSideEncryption(o.SSE),
		Metadata:             o.Metadata,
		ContentType:          optional(o.ContentType),
		CacheControl:         optional(o.CacheControl),
		StorageClass:         s3types.StorageClass(o.StorageClass),
	}
	if o.SSE.IsKMS() {
		out.SSEKMSKeyId = aws.String(o.KMSKeyID)
	}
	if o.SSECustomer {
		out.SSECustomerAlgorithm = aws.String("AES256")
	}
	return out, nil
}

// CopyObject copies a (version of an) object, typically onto itself
func (s *Server) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	s.mu.Lock()
	hook := s.beforeCopy
	s.mu.Unlock()
	if hook != nil {
		hook(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CopyObject"); err != nil {
		return nil, err
	}

	srcBucket, srcKey, srcVersion, err := parseCopySource(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	src, err := s.find(srcBucket, srcKey, srcVersion)
	if err != nil {
		return nil, err
	}
	if match := aws.ToString(params.CopySourceIfMatch); match != "" && match != src.ETag {
		return nil, apiError(http.StatusPreconditionFailed, "PreconditionFailed")
	}

	o := &Object{
		Key:          aws.ToString(params.Key),
		Body:         append([]byte(nil), src.Body...),
		ETag:         src.ETag,
		SSE:          types.SSEMode(params.ServerSideEncryption),
		KMSKeyID:     aws.ToString(params.SSEKMSKeyId),
		StorageClass: string(params.StorageClass),
	}
	if params.MetadataDirective == s3types.MetadataDirectiveReplace {
		o.Metadata = params.Metadata
		o.ContentType = aws.ToString(params.ContentType)
		o.CacheControl = aws.ToString(params.CacheControl)
	} else {
		o.Metadata = src.Metadata
		o.ContentType = src.ContentType
		o.CacheControl = src.CacheControl
	}

	if err := s.store(aws.ToString(params.Bucket), o, "ObjectCreated:Copy"); err != nil {
		return nil, err
	}
	return &s3.CopyObjectOutput{
		VersionId:           versionPtr(o.VersionID),
		CopySourceVersionId: versionPtr(src.VersionID),
		CopyObjectResult:    &s3types.CopyObjectResult{ETag: aws.String(o.ETag)},
	}, nil
}

// DeleteObject removes a version, or places a delete marker
func (s *Server) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("DeleteObject"); err != nil {
		return nil, err
	}

	bucketName, key := aws.ToString(params.Bucket), aws.ToString(params.Key)
	b := s.buckets[bucketName]
	if b == nil {
		return nil, apiError(http.StatusNotFound, "NoSuchBucket")
	}

	versionID := aws.ToString(params.VersionId)
	switch {
	case versionID != "":
		// Deleting a missing version succeeds, as in S3
		kept := b.objects[key][:0]
		for _, o := range b.objects[key] {
			if o.VersionID != versionID {
				kept = append(kept, o)
			}
		}
		b.objects[key] = kept
	case b.versioned:
		if err := s.store(bucketName, &Object{Key: key, DeleteMarker: true}, ""); err != nil {
			return nil, err
		}
	default:
		delete(b.objects, key)
	}
	return &s3.DeleteObjectOutput{VersionId: params.VersionId}, nil
}

// ListObjectVersions lists every version under a prefix, newest first per key
func (s *Server) ListObjectVersions(_ context.Context, params *s3.ListObjectVersionsInput, _ ...func(*s3.Options)) (*s3.ListObjectVersionsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("ListObjectVersions"); err != nil {
		return nil, err
	}

	b := s.buckets[aws.ToString(params.Bucket)]
	if b == nil {
		return nil, apiError(http.StatusNotFound, "NoSuchBucket")
	}

	prefix := aws.ToString(params.Prefix)
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	out := &s3.ListObjectVersionsOutput{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		versions := b.objects[k]
		for i := len(versions) - 1; i >= 0; i-- {
			o := versions[i]
			id := o.VersionID
			if id == "" {
				id = "null"
			}
			isLatest := i == len(versions)-1
			if o.DeleteMarker {
				out.DeleteMarkers = append(out.DeleteMarkers, s3types.DeleteMarkerEntry{
					Key: aws.String(k), VersionId: aws.String(id), IsLatest: aws.Bool(isLatest),
				})
				continue
			}
			out.Versions = append(out.Versions, s3types.ObjectVersion{
				Key:       aws.String(k),
				VersionId: aws.String(id),
				IsLatest:  aws.Bool(isLatest),
				ETag:      aws.String(o.ETag),
				Size:      aws.Int64(int64(len(o.Body))),
			})
		}
	}
	return out, nil
}

// CreateMultipartUpload starts an upload whose parts are copied ranges
func (s *Server) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CreateMultipartUpload"); err != nil {
		return nil, err
	}

	s.seq++
	id := fmt.Sprintf("upload-%d", s.seq)
	s.uploads[id] = &upload{
		bucket:      aws.ToString(params.Bucket),
		key:         aws.ToString(params.Key),
		sse:         types.SSEMode(params.ServerSideEncryption),
		kmsKey:      aws.ToString(params.SSEKMSKeyId),
		metadata:    params.Metadata,
		contentType: aws.ToString(params.ContentType),
		parts:       make(map[int32][]byte),
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

// UploadPartCopy copies a byte range of the source into a part
func (s *Server) UploadPartCopy(_ context.Context, params *s3.UploadPartCopyInput, _ ...func(*s3.Options)) (*s3.UploadPartCopyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("UploadPartCopy"); err != nil {
		return nil, err
	}

	up := s.uploads[aws.ToString(params.UploadId)]
	if up == nil {
		return nil, apiError(http.StatusNotFound, "NoSuchUpload")
	}
	srcBucket, srcKey, srcVersion, err := parseCopySource(aws.ToString(params.CopySource))
	if err != nil {
		return nil, err
	}
	src, err := s.find(srcBucket, srcKey, srcVersion)
	if err != nil {
		return nil, err
	}
	if match := aws.ToString(params.CopySourceIfMatch); match != "" && match != src.ETag {
		return nil, apiError(http.StatusPreconditionFailed, "PreconditionFailed")
	}

	var start, end int64
	if _, err := fmt.Sscanf(aws.ToString(params.CopySourceRange), "bytes=%d-%d", &start, &end); err != nil {
		return nil, apiError(http.StatusBadRequest, "InvalidArgument")
	}
	if start < 0 || end >= int64(len(src.Body)) || start > end {
		return nil, apiError(http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
	}

	part := append([]byte(nil), src.Body[start:end+1]...)
	up.parts[aws.ToInt32(params.PartNumber)] = part
	return &s3.UploadPartCopyOutput{
		CopyPartResult: &s3types.CopyPartResult{ETag: aws.String(etag(part))},
	}, nil
}

// CompleteMultipartUpload assembles the listed parts into a new version
func (s *Server) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected("CompleteMultipartUpload"); err != nil {
		return nil, err
	}

	id := aws.ToString(params.UploadId)
	up := s.uploads[id]
	if up == nil {
		return nil, apiError(http.StatusNotFound, "NoSuchUpload")
	}

	var body []byte
	var listed []s3types.CompletedPart
	if params.MultipartUpload != nil {
		listed = params.MultipartUpload.Parts
	}
	for _, p := range listed {
		part, ok := up.parts[aws.ToInt32(p.PartNumber)]
		if !ok {
			return nil, apiError(http.StatusBadRequest, "InvalidPart")
		}
		body = append(body, part...)
	}

	o := &Object{
		Key:         up.key,
		Body:        body,
		ETag:        fmt.Sprintf(`"%s-%d"`, strings.Trim(etag(body), `"`), len(listed)),
		SSE:         up.sse,
		KMSKeyID:    up.kmsKey,
		Metadata:    up.metadata,
		ContentType: up.contentType,
	}
	if err := s.store(up.bucket, o, "ObjectCreated:CompleteMultipartUpload"); err != nil {
		return nil, err
	}
	delete(s.uploads, id)
	return &s3.CompleteMultipartUploadOutput{VersionId: versionPtr(o.VersionID), ETag: aws.String(o.ETag)}, nil
}

// AbortMultipartUpload discards an upload's parts
func (s *Server) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.UploadId)
	if _, ok := s.uploads[id]; !ok {
		return nil, apiError(http.StatusNotFound, "NoSuchUpload")
	}
	delete(s.uploads, id)
	return &s3.AbortMultipartUploadOutput{}, nil
}

// OpenUploads counts uploads neither completed nor aborted
func (s *Server) OpenUploads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.uploads)
}

func parseCopySource(source string) (bucketName, key, versionID string, err error) {
	path, query, _ := strings.Cut(source, "?")
	if query != "" {
		values, err := url.ParseQuery(query)
		if err != nil {
			return "", "", "", apiError(http.StatusBadRequest, "InvalidArgument")
		}
		versionID = values.Get("versionId")
	}

	decoded, err := url.PathUnescape(path)
	if err != nil {
		return "", "", "", apiError(http.StatusBadRequest, "InvalidArgument")
	}
	bucketName, key, ok := strings.Cut(strings.TrimPrefix(decoded, "/"), "/")
	if !ok || key == "" {
		return "", "", "", apiError(http.StatusBadRequest, "InvalidArgument")
	}
	return bucketName, key, versionID, nil
}

func etag(body []byte) string {
	sum := md5.Sum(body)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

func versionPtr(id string) *string {
	if id == "" {
		return nil
	}
	return aws.String(id)
}

// APIError builds the error shape the SDK returns for a failed call
func APIError(status int, code string) error {
	return apiError(status, code)
}

func apiError(status int, code string) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      &smithy.GenericAPIError{Code: code, Message: code},
		},
	}
}
