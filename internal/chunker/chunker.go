// Package chunker splits a transcript into size-bounded chunks on sentence
// boundaries, grounded on the teacher's internal/rag/chunker strategy
// dispatch but narrowed to the single sentence-packing strategy SPEC_FULL.md
// calls for: no tokens/markdown/code variants, no overlap, one fixed
// min/max/target char window.
package chunker

import (
	"regexp"
	"strings"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// Config bounds the packer. Zero-value Config is invalid; callers should use
// the values from config.ChunkConfig (min=150, max=250, target=200).
type Config struct {
	Min    int
	Max    int
	Target int
}

var sentenceBoundary = regexp.MustCompile(`[.!?]+\s+`)

// Split splits text on sentence terminators (. ! ?) followed by whitespace,
// then greedily packs sentences into chunks of at most cfg.Max bytes,
// flushing once a chunk reaches cfg.Target. A sentence that alone exceeds
// cfg.Max forms its own chunk. cfg.Min is not consulted: a chunk flushed
// because the next sentence would overflow cfg.Max, and the final chunk, can
// be shorter than cfg.Min. Chunks are numbered densely 0..N-1 in source
// order. Empty (or all-whitespace) input yields an empty, non-nil slice.
func Split(text string, cfg Config) []domain.Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return []domain.Chunk{}
	}

	chunks := make([]domain.Chunk, 0, len(sentences))
	var buf strings.Builder

	flush := func() {
		s := strings.TrimSpace(buf.String())
		if s == "" {
			return
		}
		chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: s})
		buf.Reset()
	}

	for _, sentence := range sentences {
		candidate := sentence
		if buf.Len() > 0 {
			candidate = buf.String() + " " + sentence
		}

		switch {
		case len(sentence) > cfg.Max && buf.Len() == 0:
			// Oversized sentence with nothing pending: it is its own chunk.
			chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: strings.TrimSpace(sentence)})
		case len(candidate) > cfg.Max:
			// Adding this sentence would overflow the pending chunk: flush
			// what's pending first, then start a fresh buffer with it.
			flush()
			if len(sentence) > cfg.Max {
				chunks = append(chunks, domain.Chunk{ID: len(chunks), Text: strings.TrimSpace(sentence)})
			} else {
				buf.WriteString(sentence)
			}
		case len(candidate) >= cfg.Target:
			// Reached target length: take it and flush.
			buf.Reset()
			buf.WriteString(candidate)
			flush()
		default:
			buf.Reset()
			buf.WriteString(candidate)
		}
	}
	flush()

	return chunks
}

// splitSentences tokenizes on runs of . ! ? followed by whitespace, keeping
// the terminator attached to the sentence it closes.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	last := 0
	for _, loc := range sentenceBoundary.FindAllStringIndex(text, -1) {
		s := strings.TrimSpace(text[last:loc[0]+1])
		if s != "" {
			sentences = append(sentences, s)
		}
		last = loc[1]
	}
	if rest := strings.TrimSpace(text[last:]); rest != "" {
		sentences = append(sentences, rest)
	}
	return sentences
}
