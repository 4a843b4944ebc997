package taskstore

import (
	"context"
	"sync"
	"time"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// Memory is an in-process Task Store implementing the same surface as
// Store, for orchestrator/pipeline-level tests that should not need a real
// Postgres instance.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
	now   func() time.Time
}

// NewMemory constructs an empty in-memory store. now defaults to time.Now
// if nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{tasks: make(map[string]*domain.Task), now: now}
}

func (m *Memory) Create(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tasks[taskID]; exists {
		return nil
	}
	ts := m.now()
	m.tasks[taskID] = &domain.Task{
		ID:          taskID,
		Status:      domain.TaskPending,
		CurrentStep: "",
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, taskID string, status domain.TaskStatus, currentStep string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Status = status
	t.CurrentStep = currentStep
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpdateChunksInfo(_ context.Context, taskID string, total, completed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.TotalChunks = total
	t.CompletedChunks = completed
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) IncrementCompletedChunk(_ context.Context, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return 0, ErrNotFound
	}
	t.CompletedChunks++
	t.UpdatedAt = m.now()
	return t.CompletedChunks, nil
}

func (m *Memory) AppendArtifact(_ context.Context, taskID string, artifact domain.ShadowArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Result = append(t.Result, artifact)
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetError(_ context.Context, taskID string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	t.Error = message
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Get(_ context.Context, taskID string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return cloneTask(*t), nil
}

func (m *Memory) List(_ context.Context) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(*t))
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[taskID]; !ok {
		return ErrNotFound
	}
	delete(m.tasks, taskID)
	return nil
}

func cloneTask(t domain.Task) domain.Task {
	result := make([]domain.ShadowArtifact, len(t.Result))
	copy(result, t.Result)
	t.Result = result
	return t
}
