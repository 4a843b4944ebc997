package orchestrator

import (
	"context"
	"fmt"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// ShadowWriteWorkflow is the only workflow name the Kafka command-intake
// path accepts. Anything else reaches HandleCommandMessage's DLQ path via
// the "missing workflow" check only when empty; any other non-empty,
// unrecognized workflow name is rejected here as a non-transient error so it
// lands in the DLQ too.
const ShadowWriteWorkflow = "shadow_write"

// TaskCreator is the minimal surface runnerAdapter needs beyond Orchestrator
// itself: creating the task record that Process then drives to completion.
// internal/taskstore's Store satisfies this directly.
type TaskCreator interface {
	Create(ctx context.Context, taskID string) error
}

// runnerAdapter implements orchestrator/handler.go's Runner interface,
// translating a Kafka CommandEnvelope into a task creation plus a Process
// call. It is the "task submission over Kafka" intake path described in
// SPEC_FULL.md §4.6: it only relocates *where a task is created from*, never
// the pipeline fan-out itself, which always runs on this node.
type runnerAdapter struct {
	orch  *Orchestrator
	tasks TaskCreator
	newID func() string
}

// NewRunner adapts an Orchestrator (plus the task-creation half of the task
// store) into the Runner interface HandleCommandMessage expects.
func NewRunner(orch *Orchestrator, tasks TaskCreator, newID func() string) *runnerAdapter {
	return &runnerAdapter{orch: orch, tasks: tasks, newID: newID}
}

// Execute implements Runner. publish is unused: this workflow reports
// progress exclusively through the event bus (C8/C9), not per-step Kafka
// replies, so chunk-level progress still streams over SSE regardless of how
// the task was submitted.
func (r *runnerAdapter) Execute(ctx context.Context, workflow string, attrs map[string]any, publish func(context.Context, string, []byte) error) (map[string]any, error) {
	if workflow != ShadowWriteWorkflow {
		return nil, fmt.Errorf("orchestrator: unsupported workflow %q", workflow)
	}

	text, _ := attrs["transcript"].(string)
	if text == "" {
		return nil, fmt.Errorf("orchestrator: attrs.transcript is required for workflow %q", ShadowWriteWorkflow)
	}
	title, _ := attrs["title"].(string)
	speaker, _ := attrs["speaker"].(string)
	sourceURL, _ := attrs["source_url"].(string)

	taskID := r.newID()
	if err := r.tasks.Create(ctx, taskID); err != nil {
		return nil, fmt.Errorf("orchestrator: create task: %w", err)
	}

	transcript := domain.Transcript{Text: text, Title: title, Speaker: speaker, SourceURL: sourceURL}
	if err := r.orch.Process(ctx, taskID, transcript); err != nil {
		return map[string]any{"task_id": taskID, "status": "failed"}, err
	}
	return map[string]any{"task_id": taskID, "status": "completed"}, nil
}
