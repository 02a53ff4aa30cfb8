// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite Store backend for single-node
// deployments and tests, using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

var _ store.Store = (*Backend)(nil)

// Backend is a SQLite Store. SQLite serializes writers, so a single
// connection is used and ClaimOnePendingRun's compare-and-set runs inside
// one transaction on that connection — there is no cross-connection race
// to resolve with SKIP LOCKED the way Postgres needs.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	Path string
	WAL  bool
}

// New opens (creating if needed) a SQLite database at cfg.Path and runs
// migrations.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := b.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			schedule TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE RESTRICT,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			triggered_by TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_started_at ON runs(status, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_pipeline_id ON runs(pipeline_id)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			finished_at TEXT,
			next_retry_at TEXT,
			result TEXT,
			error TEXT,
			UNIQUE(run_id, name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run_id ON steps(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_status_next_retry_at ON steps(status, next_retry_at)`,
	}
	for _, m := range migrations {
		if _, err := b.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) CreatePipeline(ctx context.Context, p *store.Pipeline) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, description, schedule, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, nullString(p.Description), nullString(p.Schedule), formatTime(&p.CreatedAt), formatTime(&p.UpdatedAt))
	if err != nil {
		return &pipelineerr.StoreError{Operation: "CreatePipeline", Cause: err}
	}
	return nil
}

func (b *Backend) GetPipelineByName(ctx context.Context, name string) (*store.Pipeline, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT id, name, description, schedule, created_at, updated_at FROM pipelines WHERE name = ?`, name)
	p := &store.Pipeline{}
	var desc, sched, createdAt, updatedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &desc, &sched, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, &pipelineerr.NotFoundError{Resource: "pipeline", ID: name}
		}
		return nil, &pipelineerr.StoreError{Operation: "GetPipelineByName", Cause: err}
	}
	p.Description, p.Schedule = desc.String, sched.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	return p, nil
}

func (b *Backend) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, name, description, schedule, created_at, updated_at FROM pipelines ORDER BY name ASC`)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ListPipelines", Cause: err}
	}
	defer rows.Close()

	var out []*store.Pipeline
	for rows.Next() {
		p := &store.Pipeline{}
		var desc, sched, createdAt, updatedAt sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &desc, &sched, &createdAt, &updatedAt); err != nil {
			return nil, &pipelineerr.StoreError{Operation: "ListPipelines", Cause: err}
		}
		p.Description, p.Schedule = desc.String, sched.String
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimOnePendingRun runs entirely on the single SQLite connection, so the
// select-then-update pair is already free of cross-connection races; the
// transaction exists to make the pair atomic with respect to a crash, not
// to fend off a concurrent writer.
func (b *Backend) ClaimOnePendingRun(ctx context.Context) (*store.Run, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE status = ? ORDER BY started_at ASC LIMIT 1`, store.RunPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = ? WHERE id = ? AND status = ?`,
		store.RunRunning, id, store.RunPending); err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	run, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE id = ?`, id))
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	p, err := b.GetPipelineByID(ctx, tx, run.PipelineID)
	if err == nil {
		run.Pipeline = p
	}

	if err := tx.Commit(); err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}
	return run, nil
}

// GetPipelineByID reads a pipeline inside an open transaction; it is what
// ClaimOnePendingRun uses to enrich a claimed Run in the same round trip.
func (b *Backend) GetPipelineByID(ctx context.Context, tx *sql.Tx, id string) (*store.Pipeline, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id, name, description, schedule, created_at, updated_at FROM pipelines WHERE id = ?`, id)
	p := &store.Pipeline{}
	var desc, sched, createdAt, updatedAt sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &desc, &sched, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.Description, p.Schedule = desc.String, sched.String
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt.String)
	return p, nil
}

func (b *Backend) CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string) (*store.Run, []*store.Step, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, &pipelineerr.StoreError{Operation: "CreateRunWithSteps", Cause: err}
	}
	defer tx.Rollback()

	run := &store.Run{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Status:      store.RunPending,
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, status, started_at, triggered_by) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.PipelineID, run.Status, formatTime(&run.StartedAt), run.TriggeredBy); err != nil {
		return nil, nil, &pipelineerr.StoreError{Operation: "CreateRunWithSteps", Cause: err}
	}

	steps := make([]*store.Step, 0, len(stepNames))
	for _, name := range stepNames {
		s := &store.Step{ID: uuid.NewString(), RunID: run.ID, Name: name, Status: store.StepPending}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, name, status) VALUES (?, ?, ?, ?)`,
			s.ID, s.RunID, s.Name, s.Status); err != nil {
			return nil, nil, &pipelineerr.StoreError{Operation: "CreateRunWithSteps", Cause: err}
		}
		steps = append(steps, s)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, &pipelineerr.StoreError{Operation: "CreateRunWithSteps", Cause: err}
	}
	return run, steps, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	run, err := scanRun(b.db.QueryRowContext(ctx,
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &pipelineerr.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &pipelineerr.StoreError{Operation: "GetRun", Cause: err}
	}
	return run, nil
}

func (b *Backend) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, finishedAt *time.Time) error {
	_, err := b.db.ExecContext(ctx, `UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, formatTime(finishedAt), id)
	if err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
	}
	return nil
}

func (b *Backend) FindStuckRunningRuns(ctx context.Context, olderThan time.Duration) ([]*store.Run, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE status = ? AND started_at < ? ORDER BY started_at ASC`,
		store.RunRunning, formatTime(&cutoff))
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "FindStuckRunningRuns", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, &pipelineerr.StoreError{Operation: "FindStuckRunningRuns", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) ListRunsByPipeline(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE pipeline_id = ?`
	args := []any{filter.PipelineID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ListRunsByPipeline", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRunRows(rows)
		if err != nil {
			return nil, &pipelineerr.StoreError{Operation: "ListRunsByPipeline", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) CreateStep(ctx context.Context, runID, name string) (*store.Step, error) {
	s := &store.Step{ID: uuid.NewString(), RunID: runID, Name: name, Status: store.StepPending}
	_, err := b.db.ExecContext(ctx, `INSERT INTO steps (id, run_id, name, status) VALUES (?, ?, ?, ?)`,
		s.ID, s.RunID, s.Name, s.Status)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "CreateStep", Cause: err}
	}
	return s, nil
}

func (b *Backend) UpdateStepStatus(ctx context.Context, id string, update store.StepStatusUpdate) error {
	query := `UPDATE steps SET status = ?`
	args := []any{update.Status}
	if update.StartedAt != nil {
		query += `, started_at = ?`
		args = append(args, formatTime(update.StartedAt))
	}
	if update.FinishedAt != nil {
		query += `, finished_at = ?`
		args = append(args, formatTime(update.FinishedAt))
	}
	if update.AttemptCount != nil {
		query += `, attempt_count = ?`
		args = append(args, *update.AttemptCount)
	}
	if update.NextRetryAt != nil {
		query += `, next_retry_at = ?`
		args = append(args, formatTime(update.NextRetryAt))
	} else if update.Status != store.StepRetrying {
		query += `, next_retry_at = NULL`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateStepStatus", Cause: err}
	}
	return nil
}

func (b *Backend) UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error {
	_, err := b.db.ExecContext(ctx, `UPDATE steps SET result = ?, error = ? WHERE id = ?`,
		nullBytes(result), nullString(errMsg), id)
	if err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateStepResult", Cause: err}
	}
	return nil
}

func (b *Backend) GetStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, attempt_count, started_at, finished_at, next_retry_at, result, error FROM steps WHERE run_id = ? ORDER BY rowid ASC`,
		runID)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "GetStepsForRun", Cause: err}
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (b *Backend) GetCompletedStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, attempt_count, started_at, finished_at, next_retry_at, result, error FROM steps WHERE run_id = ? AND status = ? ORDER BY rowid ASC`,
		runID, store.StepSuccess)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "GetCompletedStepsForRun", Cause: err}
	}
	defer rows.Close()
	return scanSteps(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*store.Run, error) {
	r := &store.Run{}
	var startedAt, finishedAt sql.NullString
	if err := row.Scan(&r.ID, &r.PipelineID, &r.Status, &startedAt, &finishedAt, &r.TriggeredBy); err != nil {
		return nil, err
	}
	r.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt.String)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
		r.FinishedAt = &t
	}
	return r, nil
}

func scanRunRows(rows *sql.Rows) (*store.Run, error) {
	return scanRun(rows)
}

func scanSteps(rows *sql.Rows) ([]*store.Step, error) {
	var out []*store.Step
	for rows.Next() {
		s := &store.Step{}
		var startedAt, finishedAt, nextRetryAt, result, errStr sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.Name, &s.Status, &s.AttemptCount,
			&startedAt, &finishedAt, &nextRetryAt, &result, &errStr); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
			s.StartedAt = &t
		}
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
			s.FinishedAt = &t
		}
		if nextRetryAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, nextRetryAt.String)
			s.NextRetryAt = &t
		}
		if result.Valid {
			s.Result = json.RawMessage(result.String)
		}
		s.Error = errStr.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
