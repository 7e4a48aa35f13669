package types

import "fmt"

// PrefixPolicy is the encryption a bucket prefix requires
type PrefixPolicy struct {
	Bucket    string `json:"bucket_name" yaml:"bucket_name"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	KMSKeyARN string `json:"kms_key_arn" yaml:"kms_key_arn"`
	DualLayer bool   `json:"dual_layer_encryption" yaml:"dual_layer_encryption"`
}

// RequiredMode returns the SSE mode objects under the prefix must carry
func (p PrefixPolicy) RequiredMode() SSEMode {
	return ModeFor(p.DualLayer)
}

// Validate checks the policy can be enforced
func (p PrefixPolicy) Validate() error {
	if p.Bucket == "" {
		return fmt.Errorf("%w: policy bucket cannot be empty", ErrInvalidInput)
	}
	if p.KMSKeyARN == "" {
		return fmt.Errorf("%w: policy for s3://%s/%s has no kms_key_arn", ErrInvalidInput, p.Bucket, p.Prefix)
	}
	return nil
}

// Matches reports whether key falls under this prefix. The test is a plain
// string prefix, not path-segment aware.
func (p PrefixPolicy) Matches(key string) bool {
	return len(key) >= len(p.Prefix) && key[:len(p.Prefix)] == p.Prefix
}
