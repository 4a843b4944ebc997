// Package domain holds the shared, dependency-free entities that flow
// between the key pool, LLM client, chunker, pipeline, orchestrator, task
// store, and event bus. None of these types know how they are persisted or
// transported.
package domain

import "time"

// Transcript is the immutable input to a run.
type Transcript struct {
	Text     string
	Title    string
	Speaker  string
	SourceURL string
}

// Chunk is a sentence-bounded slice of a Transcript, numbered densely from 0
// in source order by the Chunker.
type Chunk struct {
	ID   int
	Text string
}

// WordPair is the [original_token_or_phrase, imitation_token_or_phrase] value
// of a ShadowArtifact.Map entry. It is always exactly two elements; the type
// exists so callers don't reach for a bare []string and lose the meaning of
// each position.
type WordPair struct {
	Original  string
	Imitation string
}

// ShadowArtifact is the per-chunk output tuple. Map keys are category labels
// invented by the LLM itself — never a closed, pre-declared set — so it is a
// plain map, ordered only by insertion into CategoryOrder for stable display.
type ShadowArtifact struct {
	Original      string
	Imitation     string
	Map           map[string]WordPair
	CategoryOrder []string
	Paragraph     string
	QualityScore  float64
}

// EntryCount reports how many category mappings this artifact carries.
func (a ShadowArtifact) EntryCount() int {
	return len(a.Map)
}

// QualityDimensions is the fixed 5-tuple rubric. Field ranges are documented
// per-field because the rubric prompt (internal/pipeline/prompts) asks the
// model for exactly these bounds.
type QualityDimensions struct {
	Grammar  int // 0-3
	Content  int // 0-2
	Logic    int // 0-3
	Topic    int // 0-2
	Learning int // 0-1
}

// Total sums the rubric dimensions. Range is 0-11.
func (d QualityDimensions) Total() int {
	return d.Grammar + d.Content + d.Logic + d.Topic + d.Learning
}

// QualityVerdict is the LLM's rubric judgement on a generated artifact.
type QualityVerdict struct {
	Dimensions QualityDimensions
	Issues     []string
	Reasoning  string
	// ModelPass is the model's own opinion; Pass() below is the binding rule.
	ModelPass bool
}

// Pass implements the hard logic-veto rule from the rubric: total >= 9 AND
// logic >= 2, regardless of what the model itself reported.
func (v QualityVerdict) Pass() bool {
	return v.Dimensions.Total() >= 9 && v.Dimensions.Logic >= 2
}

// TaskStatus enumerates the lifecycle states of a Task.
type TaskStatus string

const (
	TaskPending      TaskStatus = "pending"
	TaskParsing      TaskStatus = "parsing"
	TaskChunking     TaskStatus = "chunking"
	TaskProcessing   TaskStatus = "processing"
	TaskQualityCheck TaskStatus = "quality_check"
	TaskCompleted    TaskStatus = "completed"
	TaskFailed       TaskStatus = "failed"
)

// Task is the durable, user-visible record of one shadow-writing run.
type Task struct {
	ID              string
	Status          TaskStatus
	CurrentStep     string
	TotalChunks     int
	CompletedChunks int
	Error           string
	Result          []ShadowArtifact
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Progress is a pure function of (status, completed, total), per spec.
func Progress(status TaskStatus, completed, total int) int {
	switch status {
	case TaskPending:
		return 0
	case TaskParsing:
		return 10
	case TaskChunking:
		return 20
	case TaskProcessing:
		if total <= 0 {
			return 20
		}
		frac := float64(completed) / float64(total)
		if frac > 1 {
			frac = 1
		}
		return 20 + int(60*frac)
	case TaskQualityCheck:
		return 80
	case TaskCompleted, TaskFailed:
		return 100
	default:
		return 0
	}
}

// EventType enumerates the SSE wire event types.
type EventType string

const (
	EventConnected                EventType = "connected"
	EventStarted                  EventType = "started"
	EventSemanticChunksCompleted  EventType = "semantic_chunks_completed"
	EventChunksProcessingStarted  EventType = "chunks_processing_started"
	EventChunkCompleted           EventType = "chunk_completed"
	EventChunkingCompleted        EventType = "chunking_completed"
	EventProgress                 EventType = "progress"
	EventURLCompleted             EventType = "url_completed"
	EventCompleted                EventType = "completed"
	EventFailed                   EventType = "failed"
	EventError                    EventType = "error"
	EventHeartbeat                EventType = "heartbeat"
)

// Terminal reports whether this event type closes an SSE stream.
func (t EventType) Terminal() bool {
	return t == EventCompleted || t == EventFailed
}

// Event is one entry on a task's ordered, bounded event queue.
type Event struct {
	ID        string
	TaskID    string
	Type      EventType
	Timestamp time.Time
	Payload   map[string]any
}
