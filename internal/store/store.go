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

// Package store defines the durable entities (Pipeline, Run, Step) and the
// Store contract every backend (memory, sqlite, postgres) implements.
// Interfaces are segregated by concern so a backend that only needs part of
// the contract (e.g. a read-only reporting adapter) can implement a subset.
package store

import (
	"context"
	"encoding/json"
	"time"
)

// RunStatus is one of the four states a Run may occupy.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// StepStatus is one of the five states a Step may occupy.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepRetrying StepStatus = "retrying"
	StepSuccess  StepStatus = "success"
	StepFailed   StepStatus = "failed"
)

// Pipeline is the durable catalog record created the first time a
// Definition is registered. It is never mutated by the engine.
type Pipeline struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Schedule    string    `json:"schedule,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Run is a single execution attempt of one pipeline.
type Run struct {
	ID          string     `json:"id"`
	PipelineID  string     `json:"pipelineId"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	TriggeredBy string     `json:"triggeredBy"`

	// Pipeline is populated by ClaimOnePendingRun, which enriches the
	// claimed Run with its parent Pipeline metadata in the same round trip.
	Pipeline *Pipeline `json:"pipeline,omitempty"`
}

// Step is one step's record for one Run.
type Step struct {
	ID           string          `json:"id"`
	RunID        string          `json:"runId"`
	Name         string          `json:"name"`
	Status       StepStatus      `json:"status"`
	AttemptCount int             `json:"attemptCount"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
	NextRetryAt  *time.Time      `json:"nextRetryAt,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// RunFilter narrows ListRunsByPipeline's results.
type RunFilter struct {
	PipelineID string
	Status     RunStatus // empty means any status
	Limit      int       // 0 means unlimited
}

// StepStatusUpdate carries the optional fields UpdateStepStatus may set.
// A nil pointer field means "leave unchanged".
type StepStatusUpdate struct {
	Status       StepStatus
	StartedAt    *time.Time
	FinishedAt   *time.Time
	AttemptCount *int
	NextRetryAt  *time.Time
}

// PipelineStore manages the Pipeline catalog.
type PipelineStore interface {
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipelineByName(ctx context.Context, name string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)
}

// RunStore manages Run rows and the atomic claim primitive.
type RunStore interface {
	// ClaimOnePendingRun atomically selects the pending Run with the
	// smallest startedAt, flips it to running, and returns it enriched
	// with its Pipeline. Returns (nil, nil) if no pending Run exists.
	// Must never block indefinitely: contention yields (nil, nil), not a
	// wait.
	ClaimOnePendingRun(ctx context.Context) (*Run, error)

	// CreateRunWithSteps inserts a Run (pending) and one Step per name
	// (pending) in a single all-or-nothing transaction.
	CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string) (*Run, []*Step, error)

	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, finishedAt *time.Time) error

	// FindStuckRunningRuns returns Runs in `running` whose StartedAt is
	// older than the given threshold.
	FindStuckRunningRuns(ctx context.Context, olderThan time.Duration) ([]*Run, error)
}

// RunLister supports run history queries beyond the single-pipeline claim
// path.
type RunLister interface {
	ListRunsByPipeline(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// StepStore manages Step rows within a Run.
type StepStore interface {
	CreateStep(ctx context.Context, runID, name string) (*Step, error)
	UpdateStepStatus(ctx context.Context, id string, update StepStatusUpdate) error
	UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error
	GetStepsForRun(ctx context.Context, runID string) ([]*Step, error)
	GetCompletedStepsForRun(ctx context.Context, runID string) ([]*Step, error)
}

// Store is the full durable contract the engine depends on.
type Store interface {
	PipelineStore
	RunStore
	RunLister
	StepStore

	Close() error
}
