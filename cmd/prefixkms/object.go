package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws-samples/s3-prefix-level-kms-keys/types"
)

// parseObject accepts s3://bucket/key, s3://bucket/key?versionId=v or
// bucket/key. Keys are taken literally.
func parseObject(ref string) (types.WriteEvent, error) {
	rest := strings.TrimPrefix(ref, "s3://")

	var version string
	if i := strings.LastIndex(rest, "?versionId="); i >= 0 {
		version = rest[i+len("?versionId="):]
		rest = rest[:i]
	}

	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return types.WriteEvent{}, fmt.Errorf("%w: %q is not s3://bucket/key", types.ErrInvalidInput, ref)
	}
	return types.WriteEvent{Bucket: bucket, Key: key, VersionID: version}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
