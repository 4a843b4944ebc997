// Package pipeline implements the Chunk Pipeline (C5): the five-state
// per-chunk state machine (generate -> validate -> quality -> correction ->
// finalize) driven against internal/llmclient. One Run call processes one
// chunk; the orchestrator fans out many concurrent Run calls, one per chunk,
// and owns everything Run's Result touches after it returns (task aggregate
// append, event publish) so pipeline stays independently testable against a
// fake llmclient.Client and never needs a task store or event bus import.
package pipeline

import (
	"context"
	"errors"

	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/llmclient"
)

// Run drives one chunk through the full FSM. It has no error return: every
// per-chunk failure (invalid generation, exhausted keys, deadline, or a
// context already cancelled before any stage ran) is reported as
// Result{State: StateFailed, Err: ...} so the orchestrator can continue with
// the remaining chunks.
func Run(ctx context.Context, client *llmclient.Client, chunk domain.Chunk) Result {
	if err := ctx.Err(); err != nil {
		return Result{Chunk: chunk, State: StateFailed, Err: err}
	}

	raw, err := generate(ctx, client, chunk)
	if err != nil {
		return Result{Chunk: chunk, State: StateFailed, Err: err}
	}

	if err := validate(raw); err != nil {
		return Result{Chunk: chunk, State: StateFailed, Err: err}
	}
	artifact := raw

	verdict, err := quality(ctx, client, artifact)
	if err != nil {
		return Result{Chunk: chunk, State: StateFailed, Artifact: artifact, Err: err}
	}

	if verdict.Pass() {
		artifact.QualityScore = float64(verdict.Dimensions.Total())
		return Result{Chunk: chunk, State: StateFinalized, Artifact: artifact, Verdict: verdict}
	}

	corrected, err := correct(ctx, client, artifact, verdict)
	if err != nil {
		// The correction call itself failed (exhausted keys, deadline, or a
		// structurally-invalid correction); spec.md has no fallback to the
		// unscored original here, so the chunk fails.
		return Result{Chunk: chunk, State: StateFailed, Artifact: artifact, Verdict: verdict, Err: err}
	}

	corrected.QualityScore = float64(verdict.Dimensions.Total())
	return Result{Chunk: chunk, State: StateFinalized, Artifact: corrected, Verdict: verdict, Corrected: true}
}

// ErrNoArtifacts is returned by the orchestrator (not by Run) when every
// chunk in a task failed and zero artifacts were produced.
var ErrNoArtifacts = errors.New("pipeline: no chunks produced an artifact")
