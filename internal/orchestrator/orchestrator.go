// Package orchestrator implements the Orchestrator (C6): the root workflow
// that splits a transcript into chunks, fans out one Chunk Pipeline run per
// chunk onto a bounded worker pool, and merges results into the task's
// aggregate by append. Fan-out concurrency is a single errgroup.Group with
// SetLimit, exactly the "reimplement as a bounded worker pool" redesign
// SPEC_FULL.md calls for in place of the source's graph/Send abstraction.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/shadowforge/shadowforge/internal/archive"
	"github.com/shadowforge/shadowforge/internal/chunker"
	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/llmclient"
	"github.com/shadowforge/shadowforge/internal/pipeline"
)

// ErrNoArtifacts is the fatal error reported when every chunk in a task
// failed and zero artifacts were produced.
var ErrNoArtifacts = pipeline.ErrNoArtifacts

// ErrEmptyChunks is the fatal "chunker returned empty on non-empty input"
// orchestration bug spec.md calls out explicitly.
var ErrEmptyChunks = errors.New("orchestrator: chunker produced no chunks for non-empty transcript")

// TaskStore is the subset of internal/taskstore's interface the Orchestrator
// depends on, kept narrow so pipeline/orchestrator tests can use an
// in-memory fake without importing Postgres.
type TaskStore interface {
	UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep string) error
	UpdateChunksInfo(ctx context.Context, taskID string, total, completed int) error
	IncrementCompletedChunk(ctx context.Context, taskID string) (int, error)
	AppendArtifact(ctx context.Context, taskID string, artifact domain.ShadowArtifact) error
	SetError(ctx context.Context, taskID string, message string) error
	Get(ctx context.Context, taskID string) (domain.Task, error)
}

// EventPublisher is the subset of internal/eventbus's interface the
// Orchestrator depends on.
type EventPublisher interface {
	Publish(ctx context.Context, taskID string, eventType domain.EventType, payload map[string]any) error
}

// Orchestrator wires the chunker and chunk pipeline to a task store and
// event bus. Construct one per process and share it across requests; it
// holds no per-task state itself.
type Orchestrator struct {
	client        *llmclient.Client
	store         TaskStore
	events        EventPublisher
	archiveSink   archive.Sink // optional, C10; nil disables archival
	chunkConfig   chunker.Config
	maxConcurrent int
}

// Config bundles everything Orchestrator needs to construct.
type Config struct {
	Client        *llmclient.Client
	Store         TaskStore
	Events        EventPublisher
	Archive       archive.Sink // optional
	ChunkConfig   chunker.Config
	MaxConcurrent int // default 3
}

// New constructs an Orchestrator.
func New(cfg Config) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	return &Orchestrator{
		client:        cfg.Client,
		store:         cfg.Store,
		events:        cfg.Events,
		archiveSink:   cfg.Archive,
		chunkConfig:   cfg.ChunkConfig,
		maxConcurrent: cfg.MaxConcurrent,
	}
}

// Process runs the full C6 workflow against an already-created task record:
// chunk, emit semantic_chunks_completed, fan out one pipeline per chunk,
// await all, emit chunking_completed, and transition the task to its
// terminal state. It returns an error for the fatal orchestration cases
// (empty chunker output, zero artifacts produced) and when a task store
// status or chunk-count update fails; per-chunk failures are localized and
// never escape this function as a Go error.
func (o *Orchestrator) Process(ctx context.Context, taskID string, transcript domain.Transcript) error {
	o.publish(ctx, taskID, domain.EventStarted, map[string]any{"task_id": taskID})

	if err := o.store.UpdateStatus(ctx, taskID, domain.TaskChunking, "chunking"); err != nil {
		return fmt.Errorf("orchestrator: update status to chunking: %w", err)
	}

	chunks := chunker.Split(transcript.Text, o.chunkConfig)
	if len(chunks) == 0 && len(transcript.Text) > 0 {
		o.fail(ctx, taskID, ErrEmptyChunks)
		return ErrEmptyChunks
	}

	if err := o.store.UpdateChunksInfo(ctx, taskID, len(chunks), 0); err != nil {
		return fmt.Errorf("orchestrator: update chunks info: %w", err)
	}
	o.publish(ctx, taskID, domain.EventSemanticChunksCompleted, map[string]any{"total": len(chunks)})

	if len(chunks) == 0 {
		// Empty transcript: nothing to process, task completes trivially.
		return o.finish(ctx, taskID, transcript.Text, 0, nil)
	}

	if err := o.store.UpdateStatus(ctx, taskID, domain.TaskProcessing, "processing"); err != nil {
		return fmt.Errorf("orchestrator: update status to processing: %w", err)
	}
	o.publish(ctx, taskID, domain.EventChunksProcessingStarted, map[string]any{"total": len(chunks)})

	outcomes := o.fanOut(ctx, taskID, chunks)

	var artifactCount int
	var failures []string
	for _, r := range outcomes {
		if !r.Finalized() {
			if r.Err != nil {
				failures = append(failures, fmt.Sprintf("chunk %d: %v", r.Chunk.ID, r.Err))
			}
			continue
		}
		artifactCount++
	}

	o.publish(ctx, taskID, domain.EventChunkingCompleted, map[string]any{"total": len(chunks)})

	if artifactCount == 0 {
		o.fail(ctx, taskID, fmt.Errorf("%w (%d chunks, all failed)", ErrNoArtifacts, len(chunks)))
		return ErrNoArtifacts
	}

	return o.finish(ctx, taskID, transcript.Text, artifactCount, failures)
}

// fanOut runs one pipeline.Run per chunk on a bounded worker pool
// (errgroup.Group.SetLimit), appending each Finalized artifact to the task
// store and publishing chunk_completed as soon as that chunk lands. Per-chunk
// failures never cancel siblings: the goroutine always returns nil to the
// group so one bad chunk cannot abort the rest.
func (o *Orchestrator) fanOut(ctx context.Context, taskID string, chunks []domain.Chunk) []pipeline.Result {
	outcomes := make([]pipeline.Result, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.maxConcurrent)

	var mu sync.Mutex

	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			result := pipeline.Run(gctx, o.client, chunk)
			outcomes[i] = result

			if !result.Finalized() {
				log.Warn().Str("task_id", taskID).Int("chunk_id", chunk.ID).Err(result.Err).Msg("chunk pipeline failed")
				return nil
			}

			mu.Lock()
			appendErr := o.store.AppendArtifact(ctx, taskID, result.Artifact)
			completed, incErr := o.store.IncrementCompletedChunk(ctx, taskID)
			mu.Unlock()
			if appendErr != nil {
				log.Error().Str("task_id", taskID).Int("chunk_id", chunk.ID).Err(appendErr).Msg("append artifact failed")
			}
			if incErr != nil {
				log.Error().Str("task_id", taskID).Int("chunk_id", chunk.ID).Err(incErr).Msg("increment completed_chunks failed")
			}

			o.publish(ctx, taskID, domain.EventChunkCompleted, map[string]any{
				"chunk_id":         chunk.ID,
				"result":           shadowArtifactPayload(result.Artifact),
				"timestamp":        time.Now().UTC(),
				"total_chunks":     len(chunks),
				"completed_chunks": completed,
			})
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (o *Orchestrator) finish(ctx context.Context, taskID, transcriptText string, artifactCount int, failures []string) error {
	if err := o.store.UpdateStatus(ctx, taskID, domain.TaskCompleted, "completed"); err != nil {
		return fmt.Errorf("orchestrator: update status to completed: %w", err)
	}
	payload := map[string]any{"artifact_count": artifactCount}
	if len(failures) > 0 {
		payload["errors"] = failures
	}
	o.publish(ctx, taskID, domain.EventCompleted, payload)
	o.archiveAsync(taskID, transcriptText)
	return nil
}

// archiveAsync fires the optional C10 archive sink after a task completes.
// It never blocks task completion and never turns an archival failure into a
// task failure; it only logs.
func (o *Orchestrator) archiveAsync(taskID, transcriptText string) {
	if o.archiveSink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		task, err := o.store.Get(ctx, taskID)
		if err != nil {
			log.Error().Str("task_id", taskID).Err(err).Msg("archive: fetch task failed")
			return
		}
		if err := o.archiveSink.PutResult(ctx, taskID, transcriptText, task.Result); err != nil {
			log.Error().Str("task_id", taskID).Err(err).Msg("archive: put result failed")
		}
	}()
}

func (o *Orchestrator) fail(ctx context.Context, taskID string, cause error) {
	if err := o.store.SetError(ctx, taskID, cause.Error()); err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("set task error failed")
	}
	if err := o.store.UpdateStatus(ctx, taskID, domain.TaskFailed, "failed"); err != nil {
		log.Error().Str("task_id", taskID).Err(err).Msg("update status to failed failed")
	}
	o.publish(ctx, taskID, domain.EventFailed, map[string]any{"reason": cause.Error()})
}

func (o *Orchestrator) publish(ctx context.Context, taskID string, t domain.EventType, payload map[string]any) {
	if o.events == nil {
		return
	}
	if err := o.events.Publish(ctx, taskID, t, payload); err != nil {
		log.Error().Str("task_id", taskID).Str("event_type", string(t)).Err(err).Msg("publish event failed")
	}
}

func shadowArtifactPayload(a domain.ShadowArtifact) map[string]any {
	wordMap := make(map[string][2]string, len(a.Map))
	for cat, wp := range a.Map {
		wordMap[cat] = [2]string{wp.Original, wp.Imitation}
	}
	return map[string]any{
		"original":      a.Original,
		"imitation":     a.Imitation,
		"map":           wordMap,
		"paragraph":     a.Paragraph,
		"quality_score": a.QualityScore,
	}
}
