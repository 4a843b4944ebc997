// Package taskstore implements the Task Store (C7): a durable key-value of
// Task records with atomic chunk-counter increments, grounded on the
// teacher's internal/persistence/databases Postgres-store idiom (pgxpool,
// schema creation in Init, pgx.Row scanning) but narrowed to the single
// `tasks` table spec.md §6 describes.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shadowforge/shadowforge/internal/domain"
)

// OpenPool opens a Postgres connection pool and pings it, matching the
// teacher's conservative pool defaults.
func OpenPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 8
	cfg.MinConns = 0
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// Store is the Postgres-backed Task Store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-opened pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates the tasks table if it does not already exist.
func (s *Store) Init(ctx context.Context) error {
	if s.pool == nil {
		return errors.New("taskstore: postgres store requires a pool")
	}
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    status           TEXT NOT NULL DEFAULT 'pending',
    current_step     TEXT NOT NULL DEFAULT '',
    total_chunks     INTEGER NOT NULL DEFAULT 0,
    completed_chunks INTEGER NOT NULL DEFAULT 0,
    result           JSONB NOT NULL DEFAULT '[]',
    error            TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
	return err
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts a new task record in TaskPending with total_chunks=0.
func (s *Store) Create(ctx context.Context, taskID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, status, current_step) VALUES ($1, $2, $3)`,
		taskID, domain.TaskPending, "")
	return err
}

// UpdateStatus transitions a task's status and current_step.
func (s *Store) UpdateStatus(ctx context.Context, taskID string, status domain.TaskStatus, currentStep string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, current_step = $3, updated_at = NOW() WHERE id = $1`,
		taskID, status, currentStep)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateChunksInfo sets total_chunks and completed_chunks together, used
// once by the Orchestrator right after chunking.
func (s *Store) UpdateChunksInfo(ctx context.Context, taskID string, total, completed int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET total_chunks = $2, completed_chunks = $3, updated_at = NOW() WHERE id = $1`,
		taskID, total, completed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementCompletedChunk atomically bumps completed_chunks by one at the
// SQL level, so concurrent increments from different chunk pipelines never
// lose an update, and returns the new value.
func (s *Store) IncrementCompletedChunk(ctx context.Context, taskID string) (int, error) {
	var completed int
	err := s.pool.QueryRow(ctx,
		`UPDATE tasks SET completed_chunks = completed_chunks + 1, updated_at = NOW() WHERE id = $1 RETURNING completed_chunks`,
		taskID).Scan(&completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	return completed, err
}

// AppendArtifact appends one finalized artifact to the task's result array.
// Postgres's jsonb concatenation operator makes this a single atomic
// statement, so concurrent appends from distinct chunk pipelines are safe
// without an application-level lock (the commutative-append guarantee
// spec.md requires of finalize).
func (s *Store) AppendArtifact(ctx context.Context, taskID string, artifact domain.ShadowArtifact) error {
	row := artifactToRow(artifact)
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET result = result || $2::jsonb, updated_at = NOW() WHERE id = $1`,
		taskID, row)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetError records a human-readable failure reason on the task.
func (s *Store) SetError(ctx context.Context, taskID string, message string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET error = $2, updated_at = NOW() WHERE id = $1`,
		taskID, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get fetches one task record in full, including its decoded artifact
// result list. Progress is not stored or computed here; domain.Progress
// derives it from the status and chunk counts.
func (s *Store) Get(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, status, current_step, total_chunks, completed_chunks, result, error, created_at, updated_at
		 FROM tasks WHERE id = $1`, taskID)
	return scanTask(row)
}

// List returns every task record, most-recently-updated first.
func (s *Store) List(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, status, current_step, total_chunks, completed_chunks, result, error, created_at, updated_at
		 FROM tasks ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Delete removes a task record.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (domain.Task, error) {
	var (
		t         domain.Task
		status    string
		resultRaw []byte
	)
	if err := row.Scan(&t.ID, &status, &t.CurrentStep, &t.TotalChunks, &t.CompletedChunks, &resultRaw, &t.Error, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, err
	}
	t.Status = domain.TaskStatus(status)

	artifacts, err := artifactsFromJSON(resultRaw)
	if err != nil {
		return domain.Task{}, err
	}
	t.Result = artifacts

	return t, nil
}
