// Package hashutil provides the stable hashes used for cache keys and
// change detection. Keys must stay identical across processes and releases,
// so everything funnels through canonical JSON.
package hashutil

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StableHash returns the md5 hex digest of v. Strings hash as their raw
// bytes; everything else hashes as its canonical JSON encoding (encoding/json
// sorts map keys, which is what makes the key stable).
func StableHash(v any) string {
	switch s := v.(type) {
	case string:
		return md5hex([]byte(s))
	case []byte:
		return md5hex(s)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			// Unmarshalable values still need a deterministic key.
			return md5hex([]byte(fmt.Sprintf("%v", v)))
		}
		return md5hex(b)
	}
}

// FieldsHash is the change-detection hash for item fields and descriptions:
// md5 hex of "$" followed by the canonical JSON of v.
func FieldsHash(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", v))
	}
	return md5hex(append([]byte("$"), b...))
}

// CanonicalJSON returns the canonical JSON encoding used by the hashes,
// for callers that need to compare or compose hashed payloads.
func CanonicalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical json: %w", err)
	}
	return string(b), nil
}

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}
