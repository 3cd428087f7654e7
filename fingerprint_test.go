package conductor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFingerprint(t *testing.T) {
	t.Run("stable for identical attributes", func(t *testing.T) {
		a := RouteRequest{Model: "gpt-4o", Prompt: "hello world", ExpectedTokens: 100}
		b := RouteRequest{Model: "gpt-4o", Prompt: "hello world", ExpectedTokens: 100}
		assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	})

	t.Run("prompt content is not part of the key", func(t *testing.T) {
		a := RouteRequest{Model: "gpt-4o", Prompt: "aaaaaaaaaa", ExpectedTokens: 100}
		b := RouteRequest{Model: "gpt-4o", Prompt: "bbbbbbbbbb", ExpectedTokens: 100}
		assert.Equal(t, a.Fingerprint(), b.Fingerprint(),
			"same-length prompts must share a fingerprint")
		assert.NotContains(t, a.Fingerprint(), "aaaa")
	})

	t.Run("nearby sizes share a bucket, distant sizes do not", func(t *testing.T) {
		small := RouteRequest{Model: "gpt-4o", Prompt: strings.Repeat("x", 130), ExpectedTokens: 100}
		near := RouteRequest{Model: "gpt-4o", Prompt: strings.Repeat("x", 200), ExpectedTokens: 100}
		far := RouteRequest{Model: "gpt-4o", Prompt: strings.Repeat("x", 5000), ExpectedTokens: 100}
		assert.Equal(t, small.Fingerprint(), near.Fingerprint())
		assert.NotEqual(t, small.Fingerprint(), far.Fingerprint())
	})

	t.Run("model changes the key", func(t *testing.T) {
		a := RouteRequest{Model: "gpt-4o", Prompt: "p", ExpectedTokens: 100}
		b := RouteRequest{Model: "gpt-4o-mini", Prompt: "p", ExpectedTokens: 100}
		assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	})
}

func TestBucket(t *testing.T) {
	assert.Equal(t, 0, bucket(0))
	assert.Equal(t, 0, bucket(-5))
	assert.Equal(t, 1, bucket(1))
	assert.Equal(t, 128, bucket(100))
	assert.Equal(t, 128, bucket(128))
	assert.Equal(t, 256, bucket(129))
}
