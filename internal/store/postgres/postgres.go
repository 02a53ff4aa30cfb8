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

// Package postgres provides a PostgreSQL Store backend for multi-worker
// deployments, using jackc/pgx/v5's database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

var _ store.Store = (*Backend)(nil)

// Backend is a PostgreSQL Store.
type Backend struct {
	db *sql.DB
}

// Config contains PostgreSQL connection configuration.
type Config struct {
	ConnectionString string
	MaxOpenConns     int
}

// New connects to Postgres and runs migrations.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	db, err := sql.Open("pgx", cfg.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	b := &Backend{db: db}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return b, nil
}

func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS pipelines (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			description TEXT,
			schedule TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			pipeline_id TEXT NOT NULL REFERENCES pipelines(id) ON DELETE RESTRICT,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
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
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			next_retry_at TIMESTAMPTZ,
			result JSONB,
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
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, name, description, schedule, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.Name, nullString(p.Description), nullString(p.Schedule), p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return &pipelineerr.StoreError{Operation: "CreatePipeline", Cause: err}
	}
	return nil
}

func (b *Backend) GetPipelineByName(ctx context.Context, name string) (*store.Pipeline, error) {
	p, err := scanPipeline(b.db.QueryRowContext(ctx,
		`SELECT id, name, description, schedule, created_at, updated_at FROM pipelines WHERE name = $1`, name))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &pipelineerr.NotFoundError{Resource: "pipeline", ID: name}
		}
		return nil, &pipelineerr.StoreError{Operation: "GetPipelineByName", Cause: err}
	}
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
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, &pipelineerr.StoreError{Operation: "ListPipelines", Cause: err}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ClaimOnePendingRun uses SELECT ... FOR UPDATE SKIP LOCKED so concurrent
// claimers never block on each other and never double-award a row: a
// locked-by-another-transaction row is simply invisible to this query, and
// an empty result set means the caller returns (nil, nil) immediately.
func (b *Backend) ClaimOnePendingRun(ctx context.Context) (*store.Run, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM runs WHERE status = $1 ORDER BY started_at ASC LIMIT 1 FOR UPDATE SKIP LOCKED`,
		store.RunPending).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE runs SET status = $1 WHERE id = $2`, store.RunRunning, id); err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	run, err := scanRun(tx.QueryRowContext(ctx,
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE id = $1`, id))
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}

	p, err := scanPipeline(tx.QueryRowContext(ctx,
		`SELECT id, name, description, schedule, created_at, updated_at FROM pipelines WHERE id = $1`, run.PipelineID))
	if err == nil {
		run.Pipeline = p
	}

	if err := tx.Commit(); err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ClaimOnePendingRun", Cause: err}
	}
	return run, nil
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
		StartedAt:   time.Now().UTC(),
		TriggeredBy: triggeredBy,
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, pipeline_id, status, started_at, triggered_by) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.PipelineID, run.Status, run.StartedAt, run.TriggeredBy); err != nil {
		return nil, nil, &pipelineerr.StoreError{Operation: "CreateRunWithSteps", Cause: err}
	}

	steps := make([]*store.Step, 0, len(stepNames))
	for _, name := range stepNames {
		s := &store.Step{ID: uuid.NewString(), RunID: run.ID, Name: name, Status: store.StepPending}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO steps (id, run_id, name, status) VALUES ($1, $2, $3, $4)`,
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
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE id = $1`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, &pipelineerr.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &pipelineerr.StoreError{Operation: "GetRun", Cause: err}
	}
	return run, nil
}

func (b *Backend) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, finishedAt *time.Time) error {
	_, err := b.db.ExecContext(ctx, `UPDATE runs SET status = $1, finished_at = $2 WHERE id = $3`,
		status, finishedAt, id)
	if err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
	}
	return nil
}

func (b *Backend) FindStuckRunningRuns(ctx context.Context, olderThan time.Duration) ([]*store.Run, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE status = $1 AND started_at < $2 ORDER BY started_at ASC`,
		store.RunRunning, cutoff)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "FindStuckRunningRuns", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &pipelineerr.StoreError{Operation: "FindStuckRunningRuns", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) ListRunsByPipeline(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT id, pipeline_id, status, started_at, finished_at, triggered_by FROM runs WHERE pipeline_id = $1`
	args := []any{filter.PipelineID}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "ListRunsByPipeline", Cause: err}
	}
	defer rows.Close()

	var out []*store.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, &pipelineerr.StoreError{Operation: "ListRunsByPipeline", Cause: err}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (b *Backend) CreateStep(ctx context.Context, runID, name string) (*store.Step, error) {
	s := &store.Step{ID: uuid.NewString(), RunID: runID, Name: name, Status: store.StepPending}
	_, err := b.db.ExecContext(ctx, `INSERT INTO steps (id, run_id, name, status) VALUES ($1, $2, $3, $4)`,
		s.ID, s.RunID, s.Name, s.Status)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "CreateStep", Cause: err}
	}
	return s, nil
}

func (b *Backend) UpdateStepStatus(ctx context.Context, id string, update store.StepStatusUpdate) error {
	set := []string{"status = $1"}
	args := []any{update.Status}
	add := func(col string, val any) {
		args = append(args, val)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if update.StartedAt != nil {
		add("started_at", *update.StartedAt)
	}
	if update.FinishedAt != nil {
		add("finished_at", *update.FinishedAt)
	}
	if update.AttemptCount != nil {
		add("attempt_count", *update.AttemptCount)
	}
	if update.NextRetryAt != nil {
		add("next_retry_at", *update.NextRetryAt)
	} else if update.Status != store.StepRetrying {
		set = append(set, "next_retry_at = NULL")
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE steps SET %s WHERE id = $%d", joinSet(set), len(args))

	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateStepStatus", Cause: err}
	}
	return nil
}

func (b *Backend) UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error {
	var resultArg any
	if len(result) > 0 {
		resultArg = []byte(result)
	}
	_, err := b.db.ExecContext(ctx, `UPDATE steps SET result = $1, error = $2 WHERE id = $3`,
		resultArg, nullString(errMsg), id)
	if err != nil {
		return &pipelineerr.StoreError{Operation: "UpdateStepResult", Cause: err}
	}
	return nil
}

func (b *Backend) GetStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, attempt_count, started_at, finished_at, next_retry_at, result, error FROM steps WHERE run_id = $1 ORDER BY ctid ASC`,
		runID)
	if err != nil {
		return nil, &pipelineerr.StoreError{Operation: "GetStepsForRun", Cause: err}
	}
	defer rows.Close()
	return scanSteps(rows)
}

func (b *Backend) GetCompletedStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT id, run_id, name, status, attempt_count, started_at, finished_at, next_retry_at, result, error FROM steps WHERE run_id = $1 AND status = $2 ORDER BY ctid ASC`,
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

func scanPipeline(row rowScanner) (*store.Pipeline, error) {
	p := &store.Pipeline{}
	var desc, sched sql.NullString
	if err := row.Scan(&p.ID, &p.Name, &desc, &sched, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Description, p.Schedule = desc.String, sched.String
	return p, nil
}

func scanRun(row rowScanner) (*store.Run, error) {
	r := &store.Run{}
	var finishedAt sql.NullTime
	if err := row.Scan(&r.ID, &r.PipelineID, &r.Status, &r.StartedAt, &finishedAt, &r.TriggeredBy); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return r, nil
}

func scanSteps(rows *sql.Rows) ([]*store.Step, error) {
	var out []*store.Step
	for rows.Next() {
		s := &store.Step{}
		var startedAt, finishedAt, nextRetryAt sql.NullTime
		var result []byte
		var errStr sql.NullString
		if err := rows.Scan(&s.ID, &s.RunID, &s.Name, &s.Status, &s.AttemptCount,
			&startedAt, &finishedAt, &nextRetryAt, &result, &errStr); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			s.StartedAt = &startedAt.Time
		}
		if finishedAt.Valid {
			s.FinishedAt = &finishedAt.Time
		}
		if nextRetryAt.Valid {
			s.NextRetryAt = &nextRetryAt.Time
		}
		if len(result) > 0 {
			s.Result = json.RawMessage(result)
		}
		s.Error = errStr.String
		out = append(out, s)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
