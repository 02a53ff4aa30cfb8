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

package engine

import (
	"context"

	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/planner"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

// Service is the core API surface an HTTP/RPC façade would call:
// TriggerRun, ListPipelines, GetRun, RetryRun. It is a thin wrapper over
// the Store and Registry — it does not execute anything itself; execution
// is the Claimer/RunExecutor's job.
type Service struct {
	Store    store.Store
	Registry *pipeline.Registry
	Metrics  *metrics.Metrics
}

// NewService constructs a Service over the given Store and Registry. m may
// be nil, in which case ListPipelines omits statsSummary.
func NewService(st store.Store, reg *pipeline.Registry, m *metrics.Metrics) *Service {
	return &Service{Store: st, Registry: reg, Metrics: m}
}

// RunView is the shape GetRun returns: a Run with its Steps and parent
// Pipeline.
type RunView struct {
	Run      *store.Run
	Steps    []*store.Step
	Pipeline *store.Pipeline
}

// PipelineSummary is one entry of ListPipelines' result, including the
// rolling-window execution stats for pipelines that have completed runs.
type PipelineSummary struct {
	ID              string
	Name            string
	Description     string
	StatsSummary    metrics.Summary
	HasStatsSummary bool
}

// TriggerRun validates that pipelineName is registered, computes the first
// wave of its plan, and creates a pending Run with one Step per first-wave
// name. Later waves' Step rows are created lazily by the RunExecutor, so a
// run that fails early never leaves rows for waves it did not reach.
func (s *Service) TriggerRun(ctx context.Context, pipelineName, triggeredBy string) (string, error) {
	def, err := s.Registry.Get(pipelineName)
	if err != nil {
		return "", err
	}

	waves, err := planner.Plan(def)
	if err != nil {
		return "", err
	}

	p, err := s.Store.GetPipelineByName(ctx, pipelineName)
	if err != nil {
		return "", err
	}

	var firstWave []string
	if len(waves) > 0 {
		firstWave = waves[0]
	}

	run, _, err := s.Store.CreateRunWithSteps(ctx, p.ID, firstWave, triggeredBy)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

// ListPipelines returns the catalog with each entry's rolling execution
// stats, if a Metrics collector is attached.
func (s *Service) ListPipelines(ctx context.Context) ([]PipelineSummary, error) {
	pipelines, err := s.Store.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]PipelineSummary, 0, len(pipelines))
	for _, p := range pipelines {
		summary := PipelineSummary{ID: p.ID, Name: p.Name, Description: p.Description}
		if s.Metrics != nil {
			if sum, ok := s.Metrics.SummaryFor(p.Name); ok {
				summary.StatsSummary = sum
				summary.HasStatsSummary = true
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetRun returns a Run's full step-by-step status for operator diagnosis.
func (s *Service) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := s.Store.GetStepsForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var p *store.Pipeline
	if plist, err := s.Store.ListPipelines(ctx); err == nil {
		for _, candidate := range plist {
			if candidate.ID == run.PipelineID {
				p = candidate
				break
			}
		}
	}
	return &RunView{Run: run, Steps: steps, Pipeline: p}, nil
}

// RetryRun creates a fresh Run for the same Pipeline as a terminally failed
// run, with TriggeredBy="manual_retry". It never mutates the original Run.
func (s *Service) RetryRun(ctx context.Context, runID string) (string, error) {
	run, err := s.Store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	if run.Status != store.RunFailed {
		return "", &pipelineerr.ConflictError{
			Resource: "run",
			Reason:   "RetryRun is only permitted on a terminally failed run, got " + string(run.Status),
		}
	}

	var pipelineName string
	plist, err := s.Store.ListPipelines(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range plist {
		if p.ID == run.PipelineID {
			pipelineName = p.Name
			break
		}
	}
	if pipelineName == "" {
		return "", &pipelineerr.NotFoundError{Resource: "pipeline", ID: run.PipelineID}
	}

	return s.TriggerRun(ctx, pipelineName, "manual_retry")
}

// EnsurePipelineRegistered is a convenience used by worker startup: it
// registers def in the in-memory Registry and, if the Store has no catalog
// row for def.Name yet, creates one. It is idempotent across restarts.
func EnsurePipelineRegistered(ctx context.Context, st store.Store, reg *pipeline.Registry, def *pipeline.Definition) error {
	if err := reg.Register(def); err != nil {
		return err
	}
	if _, err := st.GetPipelineByName(ctx, def.Name); err == nil {
		return nil
	}
	return st.CreatePipeline(ctx, &store.Pipeline{
		Name:        def.Name,
		Description: def.Description,
		Schedule:    def.Schedule,
	})
}
