package types

import (
	"fmt"
	"time"
)

// SSEMode is the value S3 reports in x-amz-server-side-encryption
type SSEMode string

const (
	SSENone    SSEMode = ""             // No server-side encryption header
	SSES3      SSEMode = "AES256"       // S3-managed keys
	SSEKMS     SSEMode = "aws:kms"      // Single-layer KMS
	SSEKMSDual SSEMode = "aws:kms:dsse" // Dual-layer KMS
)

// noneSentinel is how absent values are written to audit records
const noneSentinel = "None"

// String renders the mode the way audit records store it
func (m SSEMode) String() string {
	if m == SSENone {
		return noneSentinel
	}
	return string(m)
}

// IsKMS reports whether the mode uses a KMS key
func (m SSEMode) IsKMS() bool {
	return m == SSEKMS || m == SSEKMSDual
}

// ModeFor returns the mode a policy requires
func ModeFor(dualLayer bool) SSEMode {
	if dualLayer {
		return SSEKMSDual
	}
	return SSEKMS
}

// EncryptionState is a snapshot of an object's encryption at inspection time.
// It may be stale by the time a remediation acts on it.
type EncryptionState struct {
	Mode      SSEMode   `json:"mode"`
	KMSKeyID  string    `json:"kms_key_id,omitempty"`
	VersionID string    `json:"version_id,omitempty"`
	Size      int64     `json:"size"`
	ETag      string    `json:"etag,omitempty"`
	Modified  time.Time `json:"last_modified,omitempty"`

	// Carried so an in-place copy can preserve them
	ContentType        string            `json:"content_type,omitempty"`
	ContentEncoding    string            `json:"content_encoding,omitempty"`
	ContentDisposition string            `json:"content_disposition,omitempty"`
	ContentLanguage    string            `json:"content_language,omitempty"`
	CacheControl       string            `json:"cache_control,omitempty"`
	StorageClass       string            `json:"storage_class,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// KeyOrNone renders the key id for logs and audit records
func (s EncryptionState) KeyOrNone() string {
	if s.KMSKeyID == "" {
		return noneSentinel
	}
	return s.KMSKeyID
}

// Describe is a compact human form, e.g. "aws:kms/arn:aws:kms:..."
func (s EncryptionState) Describe() string {
	return fmt.Sprintf("%s/%s", s.Mode, s.KeyOrNone())
}
