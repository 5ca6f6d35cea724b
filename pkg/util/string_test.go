package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hello", TruncateRunes("hello", 10))
	assert.Equal(t, "hel", TruncateRunes("hello", 3))
	assert.Equal(t, "", TruncateRunes("hello", 0))

	// multi-byte characters count as one
	assert.Equal(t, "héé", TruncateRunes("hééllo", 3))
	assert.Equal(t, 280, len([]rune(TruncateRunes(strings.Repeat("é", 300), 280))))
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "a b c", Preview("a\n b\tc", 20))
	assert.Equal(t, "abc...", Preview("abcdef", 3))
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "  ", "b", "c"))
	assert.Equal(t, "", FirstNonEmpty("", " "))
}

func TestParseList(t *testing.T) {
	assert.Equal(t, []string{"scheduled", "failed"}, ParseList(`[scheduled, "failed", ]`))
	assert.Empty(t, ParseList(""))
}
