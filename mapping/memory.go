package mapping

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/google/btree"
	"gopkg.in/yaml.v3"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// MemoryStore keeps policies in a btree ordered by (bucket, prefix), which
// makes the "prefix <= key, descending" walk a single range scan.
type MemoryStore struct {
	mu    sync.RWMutex
	index *btree.BTreeG[types.PrefixPolicy]
}

func lessPolicy(a, b types.PrefixPolicy) bool {
	if a.Bucket != b.Bucket {
		return a.Bucket < b.Bucket
	}
	return a.Prefix < b.Prefix
}

// NewMemoryStore creates a store holding policies
func NewMemoryStore(policies ...types.PrefixPolicy) (*MemoryStore, error) {
	s := &MemoryStore{index: btree.NewG[types.PrefixPolicy](32, lessPolicy)}
	for _, p := range policies {
		if err := s.Put(p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces the policy for (bucket, prefix)
func (s *MemoryStore) Put(p types.PrefixPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.ReplaceOrInsert(p)
	return nil
}

// Len returns the number of stored policies
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.Len()
}

// Candidates walks the bucket's policies downwards from key. The walk stops at
// the first matching prefix: everything after it is shorter.
func (s *MemoryStore) Candidates(_ context.Context, bucket, key string) ([]types.PrefixPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PrefixPolicy
	pivot := types.PrefixPolicy{Bucket: bucket, Prefix: key}
	s.index.DescendLessOrEqual(pivot, func(p types.PrefixPolicy) bool {
		if p.Bucket != bucket {
			return false
		}
		out = append(out, p)
		return !p.Matches(key)
	})
	return out, nil
}

// Policies returns every policy of a bucket in prefix order
func (s *MemoryStore) Policies(_ context.Context, bucket string) ([]types.PrefixPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.PrefixPolicy
	s.index.AscendGreaterOrEqual(types.PrefixPolicy{Bucket: bucket}, func(p types.PrefixPolicy) bool {
		if p.Bucket != bucket {
			return false
		}
		out = append(out, p)
		return true
	})
	return out, nil
}

// fileEntry is one prefix of a mapping file. dual_layer_encryption is
// accepted as a boolean or as the strings "true"/"false".
type fileEntry struct {
	KMSKeyARN string   `yaml:"kms_key_arn"`
	DualLayer flexBool `yaml:"dual_layer_encryption"`
}

type flexBool bool

func (b *flexBool) UnmarshalYAML(node *yaml.Node) error {
	v, err := strconv.ParseBool(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: dual_layer_encryption must be true or false, got %q", node.Line, node.Value)
	}
	*b = flexBool(v)
	return nil
}

// LoadFile reads a mapping file of the form
//
//	bucket-name:
//	  prefix1/:
//	    kms_key_arn: arn:aws:kms:...
//	    dual_layer_encryption: "false"
//
// JSON files with the same shape are accepted too.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return Parse(data)
}

// Parse builds a store from mapping file content
func Parse(data []byte) (*MemoryStore, error) {
	var raw map[string]map[string]fileEntry
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse mapping file: %w", err)
	}

	s, _ := NewMemoryStore()
	for bucket, prefixes := range raw {
		for prefix, entry := range prefixes {
			p := types.PrefixPolicy{
				Bucket:    bucket,
				Prefix:    prefix,
				KMSKeyARN: entry.KMSKeyARN,
				DualLayer: bool(entry.DualLayer),
			}
			if err := s.Put(p); err != nil {
				return nil, fmt.Errorf("mapping file: %w", err)
			}
		}
	}
	return s, nil
}
