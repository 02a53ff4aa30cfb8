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
	"log/slog"
	"sync"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/obslog"
	"github.com/pipekeeper/pipekeeper/internal/planner"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

// RunExecutor drives a single Run through its planned waves: it dispatches
// the Step Runner concurrently within a wave, threads prevResults across
// wave boundaries, and writes the Run's terminal status.
type RunExecutor struct {
	Store  store.Store
	Runner *StepRunner
	Logger *slog.Logger
}

// NewRunExecutor constructs a RunExecutor over st, sharing its StepRunner.
func NewRunExecutor(st store.Store, logger *slog.Logger) *RunExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunExecutor{
		Store:  st,
		Runner: NewStepRunner(st, logger),
		Logger: logger,
	}
}

// waveResult carries one step's outcome back to the wave coordinator.
type waveResult struct {
	name string
	res  pipeline.StepResult
}

// ExecuteNormal drives run through def from the beginning. It is the path
// taken by the Claimer immediately after a successful claim.
func (e *RunExecutor) ExecuteNormal(ctx context.Context, run *store.Run, def *pipeline.Definition, metadata map[string]any) (store.RunStatus, error) {
	return e.run(ctx, run, def, nil, nil, metadata)
}

// ExecuteResume drives a recovered run to completion. already names the
// steps whose success is already durable and must not be re-invoked;
// seeded carries their reconstructed StepResults. Callers (the Recovery
// Orchestrator) must have already verified no Step is in a terminal
// `failed` state before calling this — ExecuteResume does not re-check
// that invariant.
func (e *RunExecutor) ExecuteResume(ctx context.Context, run *store.Run, def *pipeline.Definition, already map[string]bool, seeded map[string]pipeline.StepResult, metadata map[string]any) (store.RunStatus, error) {
	return e.run(ctx, run, def, already, seeded, metadata)
}

func (e *RunExecutor) run(ctx context.Context, run *store.Run, def *pipeline.Definition, already map[string]bool, seeded map[string]pipeline.StepResult, metadata map[string]any) (store.RunStatus, error) {
	logger := obslog.WithRun(e.Logger, run.ID, run.PipelineID)

	if run.Status == store.RunPending {
		if err := e.Store.UpdateRunStatus(ctx, run.ID, store.RunRunning, nil); err != nil {
			return run.Status, &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
		}
	}

	waves, err := planner.Plan(def)
	if err != nil {
		logger.Error("plan rejected", "error", err)
		return e.fail(ctx, run.ID, err)
	}

	existing, err := e.Store.GetStepsForRun(ctx, run.ID)
	if err != nil {
		return run.Status, &pipelineerr.StoreError{Operation: "GetStepsForRun", Cause: err}
	}
	stepIDs := make(map[string]string, len(existing))
	for _, s := range existing {
		stepIDs[s.Name] = s.ID
	}

	prevResults := make(map[string]pipeline.StepResult, len(seeded))
	for k, v := range seeded {
		prevResults[k] = v
	}

	for waveIdx, wave := range waves {
		pending := make([]string, 0, len(wave))
		for _, name := range wave {
			if already != nil && already[name] {
				continue
			}
			pending = append(pending, name)
		}
		if len(pending) == 0 {
			continue
		}

		logger.Info("starting wave", "wave", waveIdx, "steps", pending)

		results := make(chan waveResult, len(pending))
		var wg sync.WaitGroup
		for _, name := range pending {
			stepDef, ok := def.StepByName(name)
			if !ok {
				results <- waveResult{name: name, res: pipeline.StepResult{Success: false, Error: "unknown step: " + name}}
				continue
			}

			stepID, ok := stepIDs[name]
			if !ok {
				created, err := e.Store.CreateStep(ctx, run.ID, name)
				if err != nil {
					results <- waveResult{name: name, res: pipeline.StepResult{Success: false, Error: err.Error()}}
					continue
				}
				stepID = created.ID
				stepIDs[name] = stepID
			}

			wg.Add(1)
			go func(name string, stepDef pipeline.StepDefinition, stepID string) {
				defer wg.Done()
				res := e.Runner.Run(ctx, run.ID, run.PipelineID, stepDef, stepID, prevResults, metadata)
				results <- waveResult{name: name, res: res}
			}(name, stepDef, stepID)
		}
		wg.Wait()
		close(results)

		failed := false
		for r := range results {
			prevResults[r.name] = r.res
			if !r.res.Success {
				failed = true
			}
		}
		if failed {
			now := time.Now()
			if err := e.Store.UpdateRunStatus(ctx, run.ID, store.RunFailed, &now); err != nil {
				return store.RunFailed, &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
			}
			logger.Error("run failed", "wave", waveIdx)
			return store.RunFailed, nil
		}
	}

	now := time.Now()
	if err := e.Store.UpdateRunStatus(ctx, run.ID, store.RunSuccess, &now); err != nil {
		return store.RunSuccess, &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
	}
	logger.Info("run succeeded")
	return store.RunSuccess, nil
}

func (e *RunExecutor) fail(ctx context.Context, runID string, cause error) (store.RunStatus, error) {
	now := time.Now()
	if err := e.Store.UpdateRunStatus(ctx, runID, store.RunFailed, &now); err != nil {
		return store.RunFailed, &pipelineerr.StoreError{Operation: "UpdateRunStatus", Cause: err}
	}
	return store.RunFailed, cause
}
