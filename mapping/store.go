// Package mapping resolves the encryption a bucket prefix requires.
package mapping

import (
	"context"
	"sort"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Store returns the policies that could apply to a key: every policy of the
// bucket whose prefix sorts at or before the key. Stores may stop early once
// they have returned the longest match, since any further candidate is shorter.
type Store interface {
	Candidates(ctx context.Context, bucket, key string) ([]types.PrefixPolicy, error)
}

// BucketLister returns every policy configured for a bucket
type BucketLister interface {
	Policies(ctx context.Context, bucket string) ([]types.PrefixPolicy, error)
}

// MultiStore concatenates the candidates of several sources, e.g. a local
// override file in front of the DynamoDB table. The resolver flags the same
// prefix configured differently by two sources as a conflict.
type MultiStore struct {
	stores []Store
}

// NewMultiStore combines stores in order
func NewMultiStore(stores ...Store) *MultiStore {
	return &MultiStore{stores: stores}
}

// Candidates queries every store, failing if any store fails
func (m *MultiStore) Candidates(ctx context.Context, bucket, key string) ([]types.PrefixPolicy, error) {
	var out []types.PrefixPolicy
	for _, s := range m.stores {
		c, err := s.Candidates(ctx, bucket, key)
		if err != nil {
			return nil, err
		}
		out = append(out, c...)
	}
	return out, nil
}

// candidatesFrom filters a bucket's policies down to those sorting at or
// before key, longest prefix first
func candidatesFrom(policies []types.PrefixPolicy, key string) []types.PrefixPolicy {
	out := make([]types.PrefixPolicy, 0, len(policies))
	for _, p := range policies {
		if p.Prefix <= key {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Prefix > out[j].Prefix
	})
	return out
}
