// Package httpapi implements the Stream Endpoint (C9) and the task control
// plane HTTP surface, net/http.ServeMux with Go 1.22+ pattern routing,
// grounded on the teacher's internal/httpapi/server.go route-registration
// style and internal/agentd/handlers_chat.go's SSE writing idiom.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// TaskStore is the subset of internal/taskstore's interface the HTTP API
// depends on.
type TaskStore interface {
	Create(ctx context.Context, taskID string) error
	Get(ctx context.Context, taskID string) (domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	Delete(ctx context.Context, taskID string) error
}

// EventSource is the subset of internal/eventbus's interface the Stream
// Endpoint depends on.
type EventSource interface {
	Fetch(ctx context.Context, taskID string, afterID string) ([]domain.Event, error)
	Latest(ctx context.Context, taskID string) (domain.Event, bool, error)
}

// Processor runs the C6 Orchestrator workflow for one task, asynchronously
// from the handler's point of view: Server launches it in its own goroutine
// and returns the task_id immediately.
type Processor interface {
	Process(ctx context.Context, taskID string, transcript domain.Transcript) error
}

// Fetcher is the optional C0 transcript fetcher used by POST /tasks/batch.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (domain.Transcript, error)
}

// Server exposes the task control plane and SSE stream endpoint.
type Server struct {
	tasks      TaskStore
	events     EventSource
	processor  Processor
	fetcher    Fetcher // optional; nil disables POST /tasks/batch
	newTaskID  func() string
	pollPeriod time.Duration
	mux        *http.ServeMux
}

// Config bundles Server construction parameters.
type Config struct {
	Tasks      TaskStore
	Events     EventSource
	Processor  Processor
	Fetcher    Fetcher
	NewTaskID  func() string
	PollPeriod time.Duration // default 100ms, per spec's Stream Endpoint poll cadence
}

// NewServer constructs a Server and registers its routes.
func NewServer(cfg Config) *Server {
	pollPeriod := cfg.PollPeriod
	if pollPeriod <= 0 {
		pollPeriod = 100 * time.Millisecond
	}
	s := &Server{
		tasks:      cfg.Tasks,
		events:     cfg.Events,
		processor:  cfg.Processor,
		fetcher:    cfg.Fetcher,
		newTaskID:  cfg.NewTaskID,
		pollPeriod: pollPeriod,
		mux:        http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /tasks", s.handleCreateTask)
	s.mux.HandleFunc("POST /tasks/batch", s.handleCreateTaskBatch)
	s.mux.HandleFunc("GET /tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("DELETE /tasks/{id}", s.handleDeleteTask)
	s.mux.HandleFunc("GET /progress/{id}", s.handleProgress)
}
