package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shadowforge/shadowforge/internal/domain"
	"github.com/shadowforge/shadowforge/internal/taskstore"
)

const maxUploadBytes = 20 << 20 // 20 MiB, generous for a plain-text transcript

type batchRequest struct {
	URLs []string `json:"urls"`
}

type taskRef struct {
	TaskID string `json:"task_id"`
	URL    string `json:"url,omitempty"`
	Error  string `json:"error,omitempty"`
}

// handleCreateTask accepts a multipart file upload containing the raw
// transcript text, creates a task record, and kicks off C6 asynchronously.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("parse multipart form: %w", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("missing multipart field %q: %w", "file", err))
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
		return
	}

	transcript := domain.Transcript{
		Text:    string(raw),
		Title:   r.FormValue("title"),
		Speaker: r.FormValue("speaker"),
	}
	if transcript.Title == "" {
		transcript.Title = header.Filename
	}

	taskID := s.newTaskID()
	if err := s.tasks.Create(r.Context(), taskID); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Errorf("create task: %w", err))
		return
	}
	s.runAsync(taskID, transcript)

	respondJSON(w, http.StatusAccepted, taskRef{TaskID: taskID})
}

// handleCreateTaskBatch creates one task per URL, fetching each transcript
// via the optional C0 Fetcher before handing it to C6.
func (s *Server) handleCreateTaskBatch(w http.ResponseWriter, r *http.Request) {
	if s.fetcher == nil {
		respondError(w, http.StatusNotImplemented, errors.New("transcript fetching is not configured"))
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if len(req.URLs) == 0 {
		respondError(w, http.StatusBadRequest, errors.New("urls must be non-empty"))
		return
	}

	refs := make([]taskRef, 0, len(req.URLs))
	for _, url := range req.URLs {
		transcript, err := s.fetcher.Fetch(r.Context(), url)
		if err != nil {
			refs = append(refs, taskRef{URL: url, Error: err.Error()})
			continue
		}
		if transcript.SourceURL == "" {
			transcript.SourceURL = url
		}

		taskID := s.newTaskID()
		if err := s.tasks.Create(r.Context(), taskID); err != nil {
			refs = append(refs, taskRef{URL: url, Error: err.Error()})
			continue
		}
		s.runAsync(taskID, transcript)
		refs = append(refs, taskRef{TaskID: taskID, URL: url})
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"tasks": refs})
}

func (s *Server) runAsync(taskID string, transcript domain.Transcript) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		_ = s.processor.Process(ctx, taskID, transcript)
	}()
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	task, err := s.tasks.Get(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, taskView(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.tasks.Delete(r.Context(), taskID); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, err)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func taskView(t domain.Task) map[string]any {
	view := map[string]any{
		"id":               t.ID,
		"status":           t.Status,
		"current_step":     t.CurrentStep,
		"total_chunks":     t.TotalChunks,
		"completed_chunks": t.CompletedChunks,
		"progress":         domain.Progress(t.Status, t.CompletedChunks, t.TotalChunks),
		"created_at":       t.CreatedAt,
		"updated_at":       t.UpdatedAt,
	}
	if t.Error != "" {
		view["error"] = t.Error
	}
	if t.Status == domain.TaskCompleted {
		view["result"] = t.Result
	}
	return view
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
