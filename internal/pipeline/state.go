package pipeline

import "github.com/shadowforge/shadowforge/internal/domain"

// State names the current node of the per-chunk FSM described in
// SPEC_FULL.md §4.5. Transitions only ever move forward; there is no state
// that re-enters an earlier one.
type State string

const (
	StatePending   State = "pending"
	StateGenerated State = "generated"
	StateValidated State = "validated"
	StateScored    State = "scored"
	StateCorrected State = "corrected"
	StateFinalized State = "finalized"
	StateFailed    State = "failed"
)

// Result is what Run returns: either a Finalized artifact ready for the
// orchestrator to append to the task aggregate and announce, or a Failed
// reason. A Failed result from the quality or correction stage still carries
// the artifact generated earlier; the orchestrator never appends it. Run
// never calls into the task store or event bus
// itself — finalize's "append + emit, nothing else" contract lives in the
// orchestrator, which is the only place that touches task-scoped state.
type Result struct {
	Chunk    domain.Chunk
	State    State
	Artifact domain.ShadowArtifact
	Verdict  domain.QualityVerdict
	// Corrected reports whether Artifact came from the correction stage
	// rather than passing quality on the first try.
	Corrected bool
	Err       error
}

// Finalized reports whether this chunk produced an artifact.
func (r Result) Finalized() bool {
	return r.State == StateFinalized
}
