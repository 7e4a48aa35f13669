// Package keys resolves KMS key references to canonical key ARNs.
package keys

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/aws-samples/s3-prefix-level-kms-keys/internal/awserr"
	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// KMSAPI defines the KMS operations used by the checker.
type KMSAPI interface {
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

type cachedKey struct {
	arn     string
	expires time.Time
}

// Checker maps aliases and key ids to the key ARN S3 reports, and refuses
// keys that cannot encrypt.
type Checker struct {
	client KMSAPI
	ttl    time.Duration
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]cachedKey
}

// NewChecker creates a checker caching lookups for ttl
func NewChecker(client KMSAPI, ttl time.Duration) *Checker {
	return &Checker{
		client: client,
		ttl:    ttl,
		now:    time.Now,
		cache:  make(map[string]cachedKey),
	}
}

// Canonical returns the key ARN for ref (an ARN, key id, alias name or
// alias ARN). Disabled or pending-deletion keys fail with ErrKeyUnusable.
func (c *Checker) Canonical(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty key reference", types.ErrInvalidInput)
	}

	c.mu.Lock()
	entry, ok := c.cache[ref]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.arn, nil
	}

	out, err := c.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(ref)})
	if err != nil {
		if awserr.IsNotFound(err) || awserr.IsKMSKeyError(err) {
			return "", types.Permanent(fmt.Errorf("%w: describe %s: %v", types.ErrKeyUnusable, ref, err))
		}
		return "", fmt.Errorf("describe key %s: %w", ref, err)
	}

	meta := out.KeyMetadata
	if meta == nil {
		return "", fmt.Errorf("describe key %s: empty metadata", ref)
	}
	if meta.KeyState != kmstypes.KeyStateEnabled {
		return "", fmt.Errorf("%w: %s is %s", types.ErrKeyUnusable, ref, meta.KeyState)
	}
	if meta.KeyUsage != "" && meta.KeyUsage != kmstypes.KeyUsageTypeEncryptDecrypt {
		return "", fmt.Errorf("%w: %s has usage %s", types.ErrKeyUnusable, ref, meta.KeyUsage)
	}

	arn := aws.ToString(meta.Arn)
	c.mu.Lock()
	c.cache[ref] = cachedKey{arn: arn, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return arn, nil
}

// CanonicalPolicy returns a copy of p whose key is the canonical ARN
func (c *Checker) CanonicalPolicy(ctx context.Context, p types.PrefixPolicy) (types.PrefixPolicy, error) {
	arn, err := c.Canonical(ctx, p.KMSKeyARN)
	if err != nil {
		return p, err
	}
	p.KMSKeyARN = arn
	return p, nil
}
