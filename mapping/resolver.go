package mapping

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// Resolver finds the most specific policy for an object key
type Resolver struct {
	store  Store
	logger zerolog.Logger
}

// NewResolver creates a resolver over store
func NewResolver(store Store, logger zerolog.Logger) *Resolver {
	return &Resolver{
		store:  store,
		logger: logger.With().Str("component", "resolver").Logger(),
	}
}

// Resolve returns the policy with the longest prefix of key, or nil when no
// configured prefix matches.
func (r *Resolver) Resolve(ctx context.Context, bucket, key string) (*types.PrefixPolicy, error) {
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket cannot be empty", types.ErrInvalidInput)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: key cannot be empty", types.ErrInvalidInput)
	}

	candidates, err := r.store.Candidates(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("query candidates for s3://%s/%s: %w", bucket, key, err)
	}

	best, err := LongestMatch(candidates, key)
	if err != nil {
		return nil, fmt.Errorf("resolve s3://%s/%s: %w", bucket, key, err)
	}

	if best == nil {
		r.logger.Debug().Str("bucket", bucket).Str("key", key).Int("candidates", len(candidates)).Msg("no prefix matched")
		return nil, nil
	}

	r.logger.Debug().
		Str("bucket", bucket).
		Str("key", key).
		Str("prefix", best.Prefix).
		Str("kms_key_arn", best.KMSKeyARN).
		Bool("dual_layer", best.DualLayer).
		Msg("prefix matched")
	return best, nil
}

// LongestMatch selects the matching policy with the greatest prefix length.
// Two matches of equal length are the same prefix string; if they disagree on
// the required encryption the result is ErrPolicyConflict.
func LongestMatch(candidates []types.PrefixPolicy, key string) (*types.PrefixPolicy, error) {
	var best *types.PrefixPolicy
	for i := range candidates {
		c := candidates[i]
		if !c.Matches(key) {
			continue
		}

		switch {
		case best == nil || len(c.Prefix) > len(best.Prefix):
			best = &c
		case len(c.Prefix) == len(best.Prefix):
			if c.KMSKeyARN != best.KMSKeyARN || c.DualLayer != best.DualLayer {
				return nil, fmt.Errorf("%w: prefix %q configured twice (%s dual=%t, %s dual=%t)",
					types.ErrPolicyConflict, c.Prefix, best.KMSKeyARN, best.DualLayer, c.KMSKeyARN, c.DualLayer)
			}
		}
	}
	return best, nil
}
