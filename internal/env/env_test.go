package env

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrFallback(t *testing.T) {
	t.Setenv("VOICE_TEST_STR", "")
	assert.Equal(t, "def", Str("VOICE_TEST_STR", "def"))
	t.Setenv("VOICE_TEST_STR", "set")
	assert.Equal(t, "set", Str("VOICE_TEST_STR", "def"))
}

func TestTypedHelpers(t *testing.T) {
	t.Setenv("VOICE_TEST_INT", "42")
	t.Setenv("VOICE_TEST_BAD_INT", "forty")
	t.Setenv("VOICE_TEST_FLOAT", "0.5")
	t.Setenv("VOICE_TEST_BOOL", "true")
	t.Setenv("VOICE_TEST_DUR", "90s")
	t.Setenv("VOICE_TEST_DUR_SECS", "15")

	assert.Equal(t, 42, Int("VOICE_TEST_INT", 1))
	assert.Equal(t, 1, Int("VOICE_TEST_BAD_INT", 1))
	assert.InDelta(t, 0.5, Float("VOICE_TEST_FLOAT", 0), 1e-9)
	assert.True(t, Bool("VOICE_TEST_BOOL", false))
	assert.Equal(t, 90*time.Second, Duration("VOICE_TEST_DUR", time.Second))
	assert.Equal(t, 15*time.Second, Duration("VOICE_TEST_DUR_SECS", time.Second))
	assert.Equal(t, time.Minute, Duration("VOICE_TEST_UNSET", time.Minute))
}
