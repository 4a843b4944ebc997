package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/llmclient"
	"github.com/shadowforge/shadowforge/internal/pipeline/prompts"
)

var generateSchema = llmclient.Schema{Required: []string{"original", "imitation", "map"}}
var qualitySchema = llmclient.Schema{Required: []string{"grammar", "content", "logic", "topic", "learning", "issues", "reasoning", "pass"}}
var correctionSchema = llmclient.Schema{Required: []string{"original", "imitation", "map"}}

// errInvalidArtifact marks a generate-stage response that parsed as JSON but
// fails the structural ShadowArtifact invariants: Generated -> Failed(invalid).
var errInvalidArtifact = errors.New("pipeline: generated artifact fails structural validation")

// generate calls purpose "generate" and parses the raw response into a
// ShadowArtifact, without yet validating it structurally (that is the
// validate stage's job, and it is a pure check with no LLM call).
func generate(ctx context.Context, client *llmclient.Client, chunk domain.Chunk) (domain.ShadowArtifact, error) {
	obj, err := client.Call(ctx, "generate", prompts.GenerateSystem, prompts.GenerateUser(chunk), generateSchema)
	if err != nil {
		return domain.ShadowArtifact{}, err
	}
	return artifactFromObject(obj, chunk.Text)
}

// validate is a pure structural check: original and imitation present and
// long enough, map is a non-empty dict of well-formed pairs, minimum entry
// count. No LLM call.
func validate(a domain.ShadowArtifact) error {
	if strings.TrimSpace(a.Original) == "" {
		return fmt.Errorf("%w: empty original", errInvalidArtifact)
	}
	if strings.TrimSpace(a.Imitation) == "" {
		return fmt.Errorf("%w: empty imitation", errInvalidArtifact)
	}
	if wordCount(a.Imitation) < 8 {
		return fmt.Errorf("%w: imitation below 8-word floor", errInvalidArtifact)
	}
	if len(a.Map) < 1 {
		return fmt.Errorf("%w: map has no entries", errInvalidArtifact)
	}
	for cat, wp := range a.Map {
		if strings.TrimSpace(wp.Original) == "" || strings.TrimSpace(wp.Imitation) == "" {
			return fmt.Errorf("%w: entry %q has an empty side", errInvalidArtifact, cat)
		}
	}
	return nil
}

// quality calls purpose "quality" to score a validated artifact against the
// 5-dimension rubric. The hard logic-veto pass rule is enforced by
// domain.QualityVerdict.Pass, never by the model's own advisory "pass" field.
func quality(ctx context.Context, client *llmclient.Client, a domain.ShadowArtifact) (domain.QualityVerdict, error) {
	obj, err := client.Call(ctx, "quality", prompts.QualitySystem, prompts.QualityUser(a), qualitySchema)
	if err != nil {
		return domain.QualityVerdict{}, err
	}
	return verdictFromObject(obj)
}

// correct issues the single allowed correction call for an artifact that
// failed quality. Acceptance is purely structural: imitation word count >= 8
// and map has >= 2 entries. There is no re-scoring loop.
func correct(ctx context.Context, client *llmclient.Client, a domain.ShadowArtifact, v domain.QualityVerdict) (domain.ShadowArtifact, error) {
	obj, err := client.Call(ctx, "correction", prompts.CorrectionSystem, prompts.CorrectionUser(a, v), correctionSchema)
	if err != nil {
		return domain.ShadowArtifact{}, err
	}
	corrected, err := artifactFromObject(obj, a.Paragraph)
	if err != nil {
		return domain.ShadowArtifact{}, err
	}
	if wordCount(corrected.Imitation) < 8 {
		return domain.ShadowArtifact{}, fmt.Errorf("%w: corrected imitation below 8-word floor", errInvalidArtifact)
	}
	if len(corrected.Map) < 2 {
		return domain.ShadowArtifact{}, fmt.Errorf("%w: corrected map below 2-entry floor", errInvalidArtifact)
	}
	return corrected, nil
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}

// artifactFromObject converts the schema-validated map from the LLM client
// into a domain.ShadowArtifact. paragraph is the source chunk text, carried
// through unchanged per the ShadowArtifact.Paragraph contract.
func artifactFromObject(obj map[string]any, paragraph string) (domain.ShadowArtifact, error) {
	original, _ := obj["original"].(string)
	imitation, _ := obj["imitation"].(string)

	rawMap, ok := obj["map"].(map[string]any)
	if !ok {
		return domain.ShadowArtifact{}, fmt.Errorf("%w: \"map\" is not an object", errInvalidArtifact)
	}

	entries := make(map[string]domain.WordPair, len(rawMap))
	order := make([]string, 0, len(rawMap))
	for cat, v := range rawMap {
		pair, ok := v.([]any)
		if !ok || len(pair) < 2 {
			continue
		}
		orig, _ := pair[0].(string)
		imit, _ := pair[1].(string)
		if orig == "" || imit == "" {
			continue
		}
		entries[cat] = domain.WordPair{Original: orig, Imitation: imit}
		order = append(order, cat)
	}

	return domain.ShadowArtifact{
		Original:      original,
		Imitation:     imitation,
		Map:           entries,
		CategoryOrder: order,
		Paragraph:     paragraph,
	}, nil
}

// verdictFromObject converts the schema-validated rubric response into a
// domain.QualityVerdict. Dimension fields may arrive as float64 (the common
// case from encoding/json) or as numeric strings (a known quirk of lenient
// JSON repair on some providers), so both are accepted.
func verdictFromObject(obj map[string]any) (domain.QualityVerdict, error) {
	dims := domain.QualityDimensions{
		Grammar:  intField(obj["grammar"]),
		Content:  intField(obj["content"]),
		Logic:    intField(obj["logic"]),
		Topic:    intField(obj["topic"]),
		Learning: intField(obj["learning"]),
	}

	var issues []string
	if raw, ok := obj["issues"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				issues = append(issues, s)
			}
		}
	}

	reasoning, _ := obj["reasoning"].(string)
	modelPass, _ := obj["pass"].(bool)

	return domain.QualityVerdict{
		Dimensions: dims,
		Issues:     issues,
		Reasoning:  reasoning,
		ModelPass:  modelPass,
	}, nil
}

func intField(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(t))
		return n
	default:
		return 0
	}
}
