package conductor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Fingerprint derives a stable cache key from the routing-relevant attributes
// of a request. The raw prompt is never part of the key; its length is
// bucketed to keep cache cardinality bounded and avoid leaking content.
func (r *RouteRequest) Fingerprint() string {
	material := fmt.Sprintf("%s|%d|%d", r.Model, bucket(len(r.Prompt)), bucket(r.ExpectedTokens))
	digest := sha256.Sum256([]byte(material))
	return hex.EncodeToString(digest[:16])
}

// bucket rounds n up to the next power of two, so nearby request sizes share
// a cache entry. Zero and negative values share the zero bucket.
func bucket(n int) int {
	if n <= 0 {
		return 0
	}
	b := 1
	for b < n {
		b <<= 1
	}
	return b
}
