package mapping

import (
	"context"
	"sync"
	"time"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

type cacheEntry struct {
	policies []types.PrefixPolicy
	expires  time.Time
}

// CachedStore keeps each bucket's full policy list for ttl. Mapping changes
// take up to ttl to be observed.
type CachedStore struct {
	lister BucketLister
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]cacheEntry
}

// NewCachedStore wraps lister with a per-bucket cache
func NewCachedStore(lister BucketLister, ttl time.Duration) *CachedStore {
	return &CachedStore{
		lister:  lister,
		ttl:     ttl,
		now:     time.Now,
		buckets: make(map[string]cacheEntry),
	}
}

// Candidates serves from the cached bucket list, loading it on miss
func (c *CachedStore) Candidates(ctx context.Context, bucket, key string) ([]types.PrefixPolicy, error) {
	policies, err := c.policies(ctx, bucket)
	if err != nil {
		return nil, err
	}
	return candidatesFrom(policies, key), nil
}

// Invalidate drops a bucket from the cache
func (c *CachedStore) Invalidate(bucket string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.buckets, bucket)
}

func (c *CachedStore) policies(ctx context.Context, bucket string) ([]types.PrefixPolicy, error) {
	c.mu.Lock()
	entry, ok := c.buckets[bucket]
	c.mu.Unlock()

	if ok && c.now().Before(entry.expires) {
		return entry.policies, nil
	}

	policies, err := c.lister.Policies(ctx, bucket)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.buckets[bucket] = cacheEntry{policies: policies, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()

	return policies, nil
}
