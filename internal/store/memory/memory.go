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

// Package memory provides an in-process Store backend for tests and
// single-process development.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

var _ store.Store = (*Backend)(nil)

// Backend is an in-memory Store. ClaimOnePendingRun is serialized by the
// same mutex guarding every other operation, which is sufficient: there is
// no cross-connection contention to resolve in a single process.
type Backend struct {
	mu         sync.Mutex
	pipelines  map[string]*store.Pipeline
	byName     map[string]string // pipeline name -> id
	runs       map[string]*store.Run
	steps      map[string]*store.Step // step id -> step
	stepsByRun map[string][]string    // run id -> ordered step ids
}

// New creates an empty in-memory Backend.
func New() *Backend {
	return &Backend{
		pipelines:  make(map[string]*store.Pipeline),
		byName:     make(map[string]string),
		runs:       make(map[string]*store.Run),
		steps:      make(map[string]*store.Step),
		stepsByRun: make(map[string][]string),
	}
}

func (b *Backend) Close() error { return nil }

// BackdateRunStartedAt moves a Run's StartedAt back by d. It exists for
// tests that need to simulate an elapsed claim without actually sleeping
// (e.g. exercising FindStuckRunningRuns); the Store interface intentionally
// has no such setter since no real backend lets a caller rewrite history.
func (b *Backend) BackdateRunStartedAt(runID string, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.runs[runID]; ok {
		r.StartedAt = r.StartedAt.Add(-d)
	}
}

func (b *Backend) CreatePipeline(ctx context.Context, p *store.Pipeline) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byName[p.Name]; exists {
		return &pipelineerr.ConflictError{Resource: "pipeline", Reason: "already exists: " + p.Name}
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	cp := *p
	b.pipelines[p.ID] = &cp
	b.byName[p.Name] = p.ID
	return nil
}

func (b *Backend) GetPipelineByName(ctx context.Context, name string) (*store.Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.byName[name]
	if !ok {
		return nil, &pipelineerr.NotFoundError{Resource: "pipeline", ID: name}
	}
	cp := *b.pipelines[id]
	return &cp, nil
}

func (b *Backend) ListPipelines(ctx context.Context) ([]*store.Pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*store.Pipeline, 0, len(b.pipelines))
	for _, p := range b.pipelines {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (b *Backend) ClaimOnePendingRun(ctx context.Context) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var best *store.Run
	for _, r := range b.runs {
		if r.Status != store.RunPending {
			continue
		}
		if best == nil || r.StartedAt.Before(best.StartedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = store.RunRunning
	if p, ok := b.pipelines[best.PipelineID]; ok {
		cp := *p
		best.Pipeline = &cp
	}
	cp := *best
	return &cp, nil
}

func (b *Backend) CreateRunWithSteps(ctx context.Context, pipelineID string, stepNames []string, triggeredBy string) (*store.Run, []*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	run := &store.Run{
		ID:          uuid.NewString(),
		PipelineID:  pipelineID,
		Status:      store.RunPending,
		StartedAt:   time.Now(),
		TriggeredBy: triggeredBy,
	}
	b.runs[run.ID] = run

	steps := make([]*store.Step, 0, len(stepNames))
	ids := make([]string, 0, len(stepNames))
	for _, name := range stepNames {
		s := &store.Step{
			ID:     uuid.NewString(),
			RunID:  run.ID,
			Name:   name,
			Status: store.StepPending,
		}
		b.steps[s.ID] = s
		ids = append(ids, s.ID)
		cp := *s
		steps = append(steps, &cp)
	}
	b.stepsByRun[run.ID] = ids

	cp := *run
	return &cp, steps, nil
}

func (b *Backend) GetRun(ctx context.Context, id string) (*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return nil, &pipelineerr.NotFoundError{Resource: "run", ID: id}
	}
	cp := *r
	return &cp, nil
}

func (b *Backend) UpdateRunStatus(ctx context.Context, id string, status store.RunStatus, finishedAt *time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.runs[id]
	if !ok {
		return &pipelineerr.NotFoundError{Resource: "run", ID: id}
	}
	r.Status = status
	if finishedAt != nil {
		t := *finishedAt
		r.FinishedAt = &t
	}
	return nil
}

func (b *Backend) FindStuckRunningRuns(ctx context.Context, olderThan time.Duration) ([]*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var out []*store.Run
	for _, r := range b.runs {
		if r.Status == store.RunRunning && r.StartedAt.Before(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (b *Backend) ListRunsByPipeline(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*store.Run
	for _, r := range b.runs {
		if filter.PipelineID != "" && r.PipelineID != filter.PipelineID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (b *Backend) CreateStep(ctx context.Context, runID, name string) (*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.runs[runID]; !ok {
		return nil, &pipelineerr.NotFoundError{Resource: "run", ID: runID}
	}
	s := &store.Step{ID: uuid.NewString(), RunID: runID, Name: name, Status: store.StepPending}
	b.steps[s.ID] = s
	b.stepsByRun[runID] = append(b.stepsByRun[runID], s.ID)
	cp := *s
	return &cp, nil
}

func (b *Backend) UpdateStepStatus(ctx context.Context, id string, update store.StepStatusUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return &pipelineerr.NotFoundError{Resource: "step", ID: id}
	}
	s.Status = update.Status
	if update.StartedAt != nil {
		t := *update.StartedAt
		s.StartedAt = &t
	}
	if update.FinishedAt != nil {
		t := *update.FinishedAt
		s.FinishedAt = &t
	}
	if update.AttemptCount != nil {
		s.AttemptCount = *update.AttemptCount
	}
	if update.NextRetryAt != nil {
		t := *update.NextRetryAt
		s.NextRetryAt = &t
	} else if update.Status != store.StepRetrying {
		s.NextRetryAt = nil
	}
	return nil
}

func (b *Backend) UpdateStepResult(ctx context.Context, id string, result json.RawMessage, errMsg string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.steps[id]
	if !ok {
		return &pipelineerr.NotFoundError{Resource: "step", ID: id}
	}
	s.Result = cloneBytes(result)
	s.Error = errMsg
	return nil
}

func (b *Backend) GetStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := b.stepsByRun[runID]
	out := make([]*store.Step, 0, len(ids))
	for _, id := range ids {
		cp := *b.steps[id]
		cp.Result = cloneBytes(cp.Result)
		out = append(out, &cp)
	}
	return out, nil
}

// cloneBytes duplicates a result payload so rows handed to callers never
// share backing storage with the rows the Backend keeps.
func cloneBytes(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}

func (b *Backend) GetCompletedStepsForRun(ctx context.Context, runID string) ([]*store.Step, error) {
	all, err := b.GetStepsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make([]*store.Step, 0, len(all))
	for _, s := range all {
		if s.Status == store.StepSuccess {
			out = append(out, s)
		}
	}
	return out, nil
}
