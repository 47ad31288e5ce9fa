// Package segment maps (seed, property value) pairs onto one of 100
// deterministic buckets for percentage rollouts.
//
// The hash is xxHash64 over `seed || 0x00 || canonicalJSON(value)`, reduced
// by mod 100. The algorithm is frozen: changing the hash, the separator, or
// the canonical encoding silently reshuffles every segmentation override in
// every stored config. Golden vectors in segment_test.go pin the mapping.
package segment

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Buckets is the size of the bucket space.
const Buckets = 100

// Bucket returns the bucket in [0, 100) for the property value under the
// given seed. Identical inputs map to the same bucket on every platform.
func Bucket(seed string, value any) (int, error) {
	canonical, err := canonicalJSON(value)
	if err != nil {
		return 0, fmt.Errorf("segmentation value not JSON-encodable: %w", err)
	}
	d := xxhash.New()
	_, _ = d.WriteString(seed)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(canonical)
	return int(d.Sum64() % Buckets), nil
}

// canonicalJSON encodes v compactly with HTML escaping disabled. Map keys
// are sorted by encoding/json, so equal values yield equal bytes.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
