// Package prompts holds the fixed prompt text for each LLM-calling stage of
// the chunk pipeline. Kept separate from the stage logic so the wording can
// be iterated on without touching control flow, and so stage functions read
// as plain orchestration.
package prompts

import (
	"fmt"
	"strings"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// GenerateSystem is the system prompt for the generate stage: produce a
// structurally-isomorphic, topic-migrated imitation of one transcript chunk.
const GenerateSystem = `You are a shadow-writing exercise generator for English language learners.

Given a short passage, produce ONE sentence from the passage ("original") and
an imitation sentence ("imitation") that:
  - follows the identical grammatical skeleton (same clause structure, same
    tense, same sentence type) as the original;
  - migrates the topic: replace content words (nouns, verbs, adjectives,
    adverbs carrying meaning) with a coherent, different-topic equivalent,
    while keeping function words adjusted only as grammar requires;
  - makes 4 to 8 content-word transformations;
  - invents its own category labels for the word-for-word mapping between
    original and imitation phrases — never reuse example category names.

Both original and imitation must be at least 12 words long.

Respond with a single JSON object with exactly these keys:
  "original": string
  "imitation": string
  "map": object mapping a self-invented category label (string) to a
    two-element array [original_phrase, imitation_phrase]

Return ONLY the JSON object, no commentary, no code fences.`

// GenerateUser builds the user turn for the generate stage from one chunk.
func GenerateUser(chunk domain.Chunk) string {
	return fmt.Sprintf("Passage:\n%s", chunk.Text)
}

// QualitySystem is the system prompt for the quality-rubric stage.
const QualitySystem = `You are grading a shadow-writing exercise against a fixed 5-dimension rubric.

Score the imitation against the original on these dimensions:
  "grammar": 0-3, structural isomorphism with the original
  "content": 0-2, coherence of the new topic
  "logic": 0-3, internal logical consistency of the imitation
  "topic": 0-2, consistency of the invented topic throughout the sentence
  "learning": 0-1, educational value of the word-pair mapping

Also return:
  "issues": array of strings describing any problems found (empty if none)
  "reasoning": string, brief justification of the scores
  "pass": boolean, your own opinion of whether this passes (advisory only)

Respond with a single JSON object with exactly these keys: grammar, content,
logic, topic, learning, issues, reasoning, pass. Return ONLY the JSON object.`

// QualityUser builds the user turn for the quality stage.
func QualityUser(a domain.ShadowArtifact) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original: %s\n", a.Original)
	fmt.Fprintf(&b, "Imitation: %s\n", a.Imitation)
	fmt.Fprintf(&b, "Word-pair map:\n")
	for _, cat := range a.CategoryOrder {
		wp := a.Map[cat]
		fmt.Fprintf(&b, "  %s: %s -> %s\n", cat, wp.Original, wp.Imitation)
	}
	return b.String()
}

// CorrectionSystem is the system prompt for the single-pass correction
// stage: given a failed artifact plus its verdict, produce an improved one.
const CorrectionSystem = `You are revising a shadow-writing exercise that failed rubric review.

You will be given the original sentence, the failing imitation, the rubric
scores, the issues raised, and the reasoning. Produce a corrected imitation
(and, if needed, a corrected word-pair map) that addresses every issue while
keeping the structural-isomorphism and topic-migration requirements from the
original exercise. The imitation must still be at least 12 words long and the
map must have at least 2 entries.

Respond with a single JSON object with exactly these keys:
  "original": string (unchanged from input)
  "imitation": string (corrected)
  "map": object mapping category label to [original_phrase, imitation_phrase]

Return ONLY the JSON object.`

// CorrectionUser builds the user turn for the correction stage.
func CorrectionUser(a domain.ShadowArtifact, v domain.QualityVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original: %s\n", a.Original)
	fmt.Fprintf(&b, "Failing imitation: %s\n", a.Imitation)
	fmt.Fprintf(&b, "Scores: grammar=%d content=%d logic=%d topic=%d learning=%d (total=%d)\n",
		v.Dimensions.Grammar, v.Dimensions.Content, v.Dimensions.Logic, v.Dimensions.Topic, v.Dimensions.Learning, v.Dimensions.Total())
	if len(v.Issues) > 0 {
		fmt.Fprintf(&b, "Issues: %s\n", strings.Join(v.Issues, "; "))
	}
	if v.Reasoning != "" {
		fmt.Fprintf(&b, "Reasoning: %s\n", v.Reasoning)
	}
	return b.String()
}
