package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOptionalVariables(t *testing.T) {
	t.Run("unset names yield the default", func(t *testing.T) {
		assert.Equal(t, "fallback", OptionalStringVariable("CONDUCTOR_TEST_UNSET", "fallback"))
		assert.Equal(t, 42, OptionalIntVariable("CONDUCTOR_TEST_UNSET", 42))
		assert.Equal(t, time.Minute, OptionalDurationVariable("CONDUCTOR_TEST_UNSET", time.Minute))
	})

	t.Run("set names override the default", func(t *testing.T) {
		t.Setenv("CONDUCTOR_TEST_STR", "value")
		t.Setenv("CONDUCTOR_TEST_INT", "7")
		t.Setenv("CONDUCTOR_TEST_DUR", "90s")

		assert.Equal(t, "value", OptionalStringVariable("CONDUCTOR_TEST_STR", "fallback"))
		assert.Equal(t, 7, OptionalIntVariable("CONDUCTOR_TEST_INT", 42))
		assert.Equal(t, 90*time.Second, OptionalDurationVariable("CONDUCTOR_TEST_DUR", time.Minute))
	})

	t.Run("invalid values are fatal", func(t *testing.T) {
		var message string
		original := logFatalf
		logFatalf = func(format string, v ...any) { message = format }
		defer func() { logFatalf = original }()

		t.Setenv("CONDUCTOR_TEST_BAD", "not-a-number")
		OptionalIntVariable("CONDUCTOR_TEST_BAD", 0)
		assert.Contains(t, message, "not a valid int")
	})

	t.Run("HasEnv distinguishes empty from unset", func(t *testing.T) {
		assert.False(t, HasEnv("CONDUCTOR_TEST_UNSET"))
		t.Setenv("CONDUCTOR_TEST_EMPTY", "")
		assert.True(t, HasEnv("CONDUCTOR_TEST_EMPTY"))
	})
}
