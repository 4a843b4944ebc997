package orchestrator

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowforge/shadowforge/internal/chunker"
	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/keypool"
	"github.com/shadowforge/shadowforge/internal/llmclient"
	"github.com/shadowforge/shadowforge/internal/pipeline/prompts"
)

// scriptedBackend answers generate/quality/correction calls based on which
// system prompt it receives, without ever talking to a real provider. A
// chunk whose text is listed in failGenerate gets an empty word-pair map
// back from the generate stage, which fails pipeline's structural validate
// step deterministically.
type scriptedBackend struct {
	mu           sync.Mutex
	failGenerate map[string]bool
	callCount    int
}

func (b *scriptedBackend) Call(ctx context.Context, apiKey, model, systemPrompt, userPrompt string) (string, error) {
	b.mu.Lock()
	b.callCount++
	b.mu.Unlock()

	switch systemPrompt {
	case prompts.GenerateSystem:
		for text, fail := range b.failGenerate {
			if fail && strings.Contains(userPrompt, text) {
				return `{"original":"x","imitation":"word word word word word word word word","map":{}}`, nil
			}
		}
		return `{"original":"The cat sat on the mat quietly today.","imitation":"The ship sailed on the sea calmly yesterday.","map":{"animal":["cat","ship"],"surface":["mat","sea"]}}`, nil
	case prompts.QualitySystem:
		return `{"grammar":3,"content":2,"logic":3,"topic":2,"learning":1,"issues":[],"reasoning":"solid","pass":true}`, nil
	case prompts.CorrectionSystem:
		return `{"original":"x","imitation":"word word word word word word word word word word word word","map":{"a":["x","y"],"b":["x","y"]}}`, nil
	default:
		return "", nil
	}
}

func newTestClient(t *testing.T, backend llmclient.Backend) *llmclient.Client {
	t.Helper()
	pool := keypool.NewPool("anthropic", []*keypool.Record{keypool.NewRecord("k1", "secret", "anthropic")})
	cfg := llmclient.PurposeConfig{Provider: "anthropic", Model: "claude-test"}
	c, err := llmclient.New(llmclient.Config{
		PurposeMap: map[string]llmclient.PurposeConfig{
			"default":    cfg,
			"generate":   cfg,
			"quality":    cfg,
			"correction": cfg,
		},
		Pools:    map[string]*keypool.Pool{"anthropic": pool},
		Backends: map[string]llmclient.Backend{"anthropic": backend},
	})
	require.NoError(t, err)
	return c
}

type fakeTaskStore struct {
	mu              sync.Mutex
	status          domain.TaskStatus
	currentStep     string
	totalChunks     int
	completedChunks int
	artifacts       []domain.ShadowArtifact
	errMsg          string
	statusHistory   []domain.TaskStatus
}

func (s *fakeTaskStore) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.currentStep = currentStep
	s.statusHistory = append(s.statusHistory, status)
	return nil
}

func (s *fakeTaskStore) UpdateChunksInfo(ctx context.Context, taskID string, total, completed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalChunks = total
	s.completedChunks = completed
	return nil
}

func (s *fakeTaskStore) IncrementCompletedChunk(ctx context.Context, taskID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedChunks++
	return s.completedChunks, nil
}

func (s *fakeTaskStore) AppendArtifact(ctx context.Context, taskID string, artifact domain.ShadowArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts = append(s.artifacts, artifact)
	return nil
}

func (s *fakeTaskStore) SetError(ctx context.Context, taskID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = message
	return nil
}

func (s *fakeTaskStore) Get(ctx context.Context, taskID string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.Task{ID: taskID, Status: s.status, Result: append([]domain.ShadowArtifact(nil), s.artifacts...)}, nil
}

type fakeEventPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *fakeEventPublisher) Publish(ctx context.Context, taskID string, eventType domain.EventType, payload map[string]any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, domain.Event{TaskID: taskID, Type: eventType, Payload: payload})
	return nil
}

func (p *fakeEventPublisher) types() []domain.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventType, len(p.events))
	for i, e := range p.events {
		out[i] = e.Type
	}
	return out
}

func (p *fakeEventPublisher) last() domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.events[len(p.events)-1]
}

// oneSentenceChunkConfig forces chunker.Split to emit exactly one chunk per
// sentence, since every two-sentence candidate exceeds Max.
var oneSentenceChunkConfig = chunker.Config{Min: 1, Max: 25, Target: 20}

func TestProcess_SingleChunkEmitsExactScenario1EventSequence(t *testing.T) {
	backend := &scriptedBackend{}
	client := newTestClient(t, backend)
	store := &fakeTaskStore{}
	events := &fakeEventPublisher{}

	o := New(Config{
		Client:        client,
		Store:         store,
		Events:        events,
		ChunkConfig:   oneSentenceChunkConfig,
		MaxConcurrent: 3,
	})

	transcript := domain.Transcript{Text: "This is sentence one today."}
	err := o.Process(context.Background(), "task-1", transcript)
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventStarted,
		domain.EventSemanticChunksCompleted,
		domain.EventChunksProcessingStarted,
		domain.EventChunkCompleted,
		domain.EventChunkingCompleted,
		domain.EventCompleted,
	}, events.types())

	finalEvent := events.last()
	assert.Equal(t, domain.EventCompleted, finalEvent.Type)
	assert.Equal(t, 1, finalEvent.Payload["artifact_count"])
	assert.Nil(t, finalEvent.Payload["errors"])

	assert.Equal(t, domain.TaskCompleted, store.status)
	assert.Len(t, store.artifacts, 1)
}

func TestProcess_EmptyTranscriptCompletesTriviallyWithoutChunkEvents(t *testing.T) {
	backend := &scriptedBackend{}
	client := newTestClient(t, backend)
	store := &fakeTaskStore{}
	events := &fakeEventPublisher{}

	o := New(Config{Client: client, Store: store, Events: events, ChunkConfig: oneSentenceChunkConfig})

	err := o.Process(context.Background(), "task-empty", domain.Transcript{Text: ""})
	require.NoError(t, err)

	assert.Equal(t, []domain.EventType{
		domain.EventStarted,
		domain.EventSemanticChunksCompleted,
		domain.EventCompleted,
	}, events.types())
	assert.Equal(t, domain.TaskCompleted, store.status)
	assert.Equal(t, 0, backend.callCount, "no chunk should have reached the LLM client")
}

func TestProcess_PartialFailureStillCompletesWithCommutativeAggregateCount(t *testing.T) {
	backend := &scriptedBackend{failGenerate: map[string]bool{"Second sentence fails here.": true}}
	client := newTestClient(t, backend)
	store := &fakeTaskStore{}
	events := &fakeEventPublisher{}

	o := New(Config{
		Client:        client,
		Store:         store,
		Events:        events,
		ChunkConfig:   oneSentenceChunkConfig,
		MaxConcurrent: 3,
	})

	transcript := domain.Transcript{Text: "First sentence ok here. Second sentence fails here. Third sentence ok here."}
	err := o.Process(context.Background(), "task-partial", transcript)
	require.NoError(t, err, "partial success must not surface as a Go error")

	finalEvent := events.last()
	assert.Equal(t, domain.EventCompleted, finalEvent.Type)
	assert.Equal(t, 2, finalEvent.Payload["artifact_count"])
	errs, ok := finalEvent.Payload["errors"].([]string)
	require.True(t, ok)
	assert.Len(t, errs, 1)

	assert.Equal(t, domain.TaskCompleted, store.status)
	assert.Len(t, store.artifacts, 2, "failed chunk must not be appended to the store")

	// The aggregate is order-independent: regardless of which goroutine
	// finished first, exactly one chunk_completed fires per successful
	// chunk and the final counts only depend on the set of outcomes.
	chunkCompletedCount := 0
	for _, ty := range events.types() {
		if ty == domain.EventChunkCompleted {
			chunkCompletedCount++
		}
	}
	assert.Equal(t, 2, chunkCompletedCount)
}

func TestProcess_AllChunksFailReturnsErrNoArtifactsAndFailsTask(t *testing.T) {
	backend := &scriptedBackend{failGenerate: map[string]bool{
		"First sentence bad here.":  true,
		"Second sentence bad here.": true,
	}}
	client := newTestClient(t, backend)
	store := &fakeTaskStore{}
	events := &fakeEventPublisher{}

	o := New(Config{
		Client:        client,
		Store:         store,
		Events:        events,
		ChunkConfig:   oneSentenceChunkConfig,
		MaxConcurrent: 3,
	})

	transcript := domain.Transcript{Text: "First sentence bad here. Second sentence bad here."}
	err := o.Process(context.Background(), "task-allfail", transcript)
	assert.ErrorIs(t, err, ErrNoArtifacts)

	assert.Equal(t, domain.TaskFailed, store.status)
	assert.NotEmpty(t, store.errMsg)
	assert.Empty(t, store.artifacts)

	finalEvent := events.last()
	assert.Equal(t, domain.EventFailed, finalEvent.Type)
}

func TestProcess_EventsAreNilSafeWithoutAnEventPublisher(t *testing.T) {
	backend := &scriptedBackend{}
	client := newTestClient(t, backend)
	store := &fakeTaskStore{}

	o := New(Config{Client: client, Store: store, Events: nil, ChunkConfig: oneSentenceChunkConfig})
	err := o.Process(context.Background(), "task-noevents", domain.Transcript{Text: "Only one sentence today."})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskCompleted, store.status)
}
