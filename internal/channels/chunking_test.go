package channels

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSmartChunk_ShortContentIsSingleChunk(t *testing.T) {
	chunks := SmartChunk("hello world", 100)
	assert.Equal(t, []string{"hello world"}, chunks)
}

func TestSmartChunk_ZeroOrNegativeLimitIsNoop(t *testing.T) {
	assert.Equal(t, []string{"anything"}, SmartChunk("anything", 0))
	assert.Equal(t, []string{"anything"}, SmartChunk("anything", -5))
}

func TestSmartChunk_SplitsOnNewlineBoundary(t *testing.T) {
	content := strings.Repeat("a", 10) + "\n" + strings.Repeat("b", 10)
	chunks := SmartChunk(content, 15)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 15)
	}
	assert.True(t, len(chunks) >= 2)
}

func TestSmartChunk_EveryChunkRespectsLimit(t *testing.T) {
	content := strings.Repeat("word ", 500)
	limit := 50
	chunks := SmartChunk(content, limit)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), limit, "chunk %q exceeds limit", c)
	}
}

func TestSmartChunk_HardCutWhenNoBoundaryExists(t *testing.T) {
	content := strings.Repeat("x", 100)
	chunks := SmartChunk(content, 30)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 30)
	}
	assert.Equal(t, 100, len(strings.Join(chunks, "")))
}

func TestSmartChunk_EmptyContent(t *testing.T) {
	chunks := SmartChunk("", 10)
	assert.Equal(t, []string{""}, chunks)
}
