package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/keypool"
	"github.com/shadowforge/shadowforge/internal/llmclient"
	"github.com/shadowforge/shadowforge/internal/pipeline"
	"github.com/shadowforge/shadowforge/internal/pipeline/prompts"
)

// fakeBackend answers each purpose (routed by the exact systemPrompt, since
// the pipeline calls Client.Call with a fixed per-stage system prompt) with
// whatever this test registered for it, so each stage is driven exactly.
type fakeBackend struct {
	byPrompt map[string]func(callN int) (string, error)
	calls    map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{byPrompt: map[string]func(int) (string, error){}, calls: map[string]int{}}
}

func (f *fakeBackend) on(systemPrompt string, fn func(callN int) (string, error)) {
	f.byPrompt[systemPrompt] = fn
}

func (f *fakeBackend) Call(_ context.Context, _, _, systemPrompt, _ string) (string, error) {
	f.calls[systemPrompt]++
	fn, ok := f.byPrompt[systemPrompt]
	if !ok {
		return "", fmt.Errorf("fakeBackend: no response registered for prompt %q", systemPrompt)
	}
	return fn(f.calls[systemPrompt])
}

func newTestClient(t *testing.T, backend llmclient.Backend) *llmclient.Client {
	t.Helper()
	pool := keypool.NewPool("fake", []*keypool.Record{keypool.NewRecord("k1", "secret", "fake")})
	client, err := llmclient.New(llmclient.Config{
		PurposeMap: map[string]llmclient.PurposeConfig{
			"default":    {Provider: "fake", Model: "fake-model"},
			"generate":   {Provider: "fake", Model: "fake-model"},
			"quality":    {Provider: "fake", Model: "fake-model"},
			"correction": {Provider: "fake", Model: "fake-model"},
		},
		Pools:    map[string]*keypool.Pool{"fake": pool},
		Backends: map[string]llmclient.Backend{"fake": backend},
	})
	require.NoError(t, err)
	return client
}

func genJSON(original, imitation string, mapEntries int) string {
	m := map[string][2]string{}
	for i := 0; i < mapEntries; i++ {
		m[fmt.Sprintf("cat%d", i)] = [2]string{fmt.Sprintf("orig%d", i), fmt.Sprintf("imit%d", i)}
	}
	b, _ := json.Marshal(map[string]any{"original": original, "imitation": imitation, "map": m})
	return string(b)
}

func qualityJSON(grammar, content, logic, topic, learning int, pass bool) string {
	b, _ := json.Marshal(map[string]any{
		"grammar": grammar, "content": content, "logic": logic, "topic": topic, "learning": learning,
		"issues": []string{}, "reasoning": "ok", "pass": pass,
	})
	return string(b)
}

const longImitation = "this is an imitation sentence with more than eight words in it"

func TestRun_HappyPathFinalizesOnFirstPass(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation, 2), nil
	})
	backend.on(prompts.QualitySystem, func(int) (string, error) {
		return qualityJSON(3, 2, 3, 2, 1, true), nil // total=11, logic=3: passes
	})
	client := newTestClient(t, backend)

	chunk := domain.Chunk{ID: 0, Text: "The original sentence here."}
	result := pipeline.Run(context.Background(), client, chunk)

	require.True(t, result.Finalized())
	assert.False(t, result.Corrected)
	assert.Equal(t, "the original sentence here", result.Artifact.Original)
	assert.Equal(t, 11.0, result.Artifact.QualityScore)
	assert.Equal(t, 1, backend.calls[prompts.QualitySystem])
	assert.Zero(t, backend.calls[prompts.CorrectionSystem])
}

func TestRun_QualityFailureGoesThroughCorrection(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation, 2), nil
	})
	backend.on(prompts.QualitySystem, func(int) (string, error) {
		return qualityJSON(2, 1, 1, 1, 0, false), nil // total=5, logic=1: fails
	})
	backend.on(prompts.CorrectionSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation+" plus one more", 2), nil
	})
	client := newTestClient(t, backend)

	chunk := domain.Chunk{ID: 1, Text: "The original sentence here."}
	result := pipeline.Run(context.Background(), client, chunk)

	require.True(t, result.Finalized())
	assert.True(t, result.Corrected)
	assert.Equal(t, 1, backend.calls[prompts.CorrectionSystem])
}

func TestRun_LogicVetoOverridesModelPass(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation, 2), nil
	})
	// total = 3+2+1+2+1 = 9, which clears the total>=9 bar, but logic=1 < 2:
	// the hard veto must still fail this even though the model claims pass.
	backend.on(prompts.QualitySystem, func(int) (string, error) {
		return qualityJSON(3, 2, 1, 2, 1, true), nil
	})
	backend.on(prompts.CorrectionSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation+" plus extra words", 2), nil
	})
	client := newTestClient(t, backend)

	result := pipeline.Run(context.Background(), client, domain.Chunk{ID: 2, Text: "x"})

	require.True(t, result.Finalized())
	assert.True(t, result.Corrected, "logic veto must route through correction despite model's own pass=true")
}

func TestRun_GenerateFailureFailsChunk(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return "not json at all {{{", nil
	})
	client := newTestClient(t, backend)

	result := pipeline.Run(context.Background(), client, domain.Chunk{ID: 3, Text: "x"})

	assert.Equal(t, pipeline.StateFailed, result.State)
	assert.Error(t, result.Err)
}

func TestRun_ValidationFailureOnShortImitationFailsChunk(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return genJSON("original", "too short", 2), nil
	})
	client := newTestClient(t, backend)

	result := pipeline.Run(context.Background(), client, domain.Chunk{ID: 4, Text: "x"})

	assert.Equal(t, pipeline.StateFailed, result.State)
}

func TestRun_CorrectionBelowFloorFailsChunk(t *testing.T) {
	backend := newFakeBackend()
	backend.on(prompts.GenerateSystem, func(int) (string, error) {
		return genJSON("the original sentence here", longImitation, 2), nil
	})
	backend.on(prompts.QualitySystem, func(int) (string, error) {
		return qualityJSON(1, 1, 1, 1, 0, false), nil
	})
	backend.on(prompts.CorrectionSystem, func(int) (string, error) {
		return genJSON("the original sentence here", "too short now", 1), nil
	})
	client := newTestClient(t, backend)

	result := pipeline.Run(context.Background(), client, domain.Chunk{ID: 5, Text: "x"})

	assert.Equal(t, pipeline.StateFailed, result.State)
}
