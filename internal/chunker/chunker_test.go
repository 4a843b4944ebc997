package chunker_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowforge/shadowforge/internal/chunker"
)

func defaultConfig() chunker.Config {
	return chunker.Config{Min: 150, Max: 250, Target: 200}
}

func TestSplit_EmptyInput(t *testing.T) {
	got := chunker.Split("", defaultConfig())
	assert.Empty(t, got)
	assert.NotNil(t, got)

	got = chunker.Split("   \n\t  ", defaultConfig())
	assert.Empty(t, got)
}

func TestSplit_SingleChunkHappyPath(t *testing.T) {
	text := "The city opened a new public library this week. The modern building offers more than just books—it has study rooms, a café, and free internet access."
	got := chunker.Split(text, defaultConfig())

	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].ID)
	assert.Contains(t, got[0].Text, "city opened a new public library")
	assert.Contains(t, got[0].Text, "free internet access")
}

func TestSplit_DenseIDsInSourceOrder(t *testing.T) {
	text := strings.Repeat("The quick brown fox jumps over the lazy dog near the riverbank today. ", 10)
	got := chunker.Split(text, defaultConfig())

	require.NotEmpty(t, got)
	for i, c := range got {
		assert.Equal(t, i, c.ID)
	}
}

func TestSplit_OversizedSentenceFormsOwnChunk(t *testing.T) {
	huge := "This is one extremely long sentence that by itself exceeds the maximum chunk character window all on its own without any terminating punctuation in the middle of it at all, just one continuous clause stretching on and on and on and on and on and on and on and on."
	require.Greater(t, len(huge), 250)

	text := "Short lead in. " + huge + " Short trailer here."
	got := chunker.Split(text, defaultConfig())

	var found bool
	for _, c := range got {
		if strings.Contains(c.Text, "extremely long sentence") {
			found = true
			assert.Greater(t, len(c.Text), 250)
		} else {
			assert.LessOrEqual(t, len(c.Text), 250)
		}
	}
	assert.True(t, found)
}

func TestSplit_PacksWithinBounds(t *testing.T) {
	text := strings.Repeat("Cats sleep most of the day but remain alert to sounds. ", 20)
	got := chunker.Split(text, defaultConfig())

	require.NotEmpty(t, got)
	for _, c := range got[:len(got)-1] {
		assert.LessOrEqual(t, len(c.Text), 250)
	}
}
