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

// Package engine contains the Step Runner and Run Executor: the two
// collaborators that drive one Run's steps from pending to a terminal
// outcome, writing every state transition to the Store before taking the
// next action so a crash mid-run is always resumable from durable state.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/obslog"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

// Default backoff parameters for retry scheduling: exponential from a 1s
// base, capped at 60s, with jitter added per attempt.
const (
	backoffBase = time.Second
	backoffCap  = 60 * time.Second
)

// StepRunner executes one Step to a terminal outcome (success or failed)
// within the context of a single Run, applying the engine's timeout and
// retry-with-backoff rules.
type StepRunner struct {
	Store  store.Store
	Logger *slog.Logger
}

// NewStepRunner constructs a StepRunner. A nil logger falls back to
// slog.Default().
func NewStepRunner(st store.Store, logger *slog.Logger) *StepRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepRunner{Store: st, Logger: logger}
}

// Run drives stepID (the durable Step row for stepDef within run runID) to
// a terminal outcome and returns the StepResult the Run Executor should
// fold into prevResults. prevResults is held constant across every attempt
// of this one step: a retry gets a fresh context but sees the same prior
// results the first attempt saw.
func (sr *StepRunner) Run(ctx context.Context, runID, pipelineID string, stepDef pipeline.StepDefinition, stepID string, prevResults map[string]pipeline.StepResult, metadata map[string]any) pipeline.StepResult {
	logger := obslog.WithRun(sr.Logger, runID, pipelineID)
	maxAttempts := 1 + stepDef.MaxRetries

	attempt := 1
	startedAt := time.Now()
	if err := sr.Store.UpdateStepStatus(ctx, stepID, store.StepStatusUpdate{
		Status:       store.StepRunning,
		StartedAt:    &startedAt,
		AttemptCount: &attempt,
	}); err != nil {
		logger.Error("failed to mark step running", obslog.StepNameKey, stepDef.Name, "error", err)
		return pipeline.StepResult{Success: false, Error: fmt.Sprintf("store write failed: %v", err)}
	}

	for {
		stepLogger := obslog.WithStep(logger, stepDef.Name, attempt)
		result, attemptErr := sr.attempt(ctx, runID, pipelineID, stepDef, prevResults, metadata)

		if attemptErr == nil {
			data := result.Data
			if len(data) == 0 {
				// A handler may legitimately succeed with no data; persist
				// JSON null so a successful Step always has a result.
				data = json.RawMessage("null")
			}
			now := time.Now()
			if err := sr.Store.UpdateStepResult(ctx, stepID, data, ""); err != nil {
				stepLogger.Error("failed to persist step result", "error", err)
			}
			if err := sr.Store.UpdateStepStatus(ctx, stepID, store.StepStatusUpdate{
				Status: store.StepSuccess, FinishedAt: &now,
			}); err != nil {
				stepLogger.Error("failed to mark step success", "error", err)
			}
			stepLogger.Info("step succeeded")
			return pipeline.StepResult{Success: true, Data: data}
		}

		errMsg := attemptErr.Error()
		stepLogger.Warn("step attempt failed", "error", errMsg)

		if attempt < maxAttempts {
			next := attempt + 1
			nextRetryAt := time.Now().Add(backoff(attempt))
			if err := sr.Store.UpdateStepResult(ctx, stepID, nil, errMsg); err != nil {
				stepLogger.Error("failed to persist attempt error", "error", err)
			}
			if err := sr.Store.UpdateStepStatus(ctx, stepID, store.StepStatusUpdate{
				Status: store.StepRetrying, NextRetryAt: &nextRetryAt, AttemptCount: &next,
			}); err != nil {
				stepLogger.Error("failed to mark step retrying", "error", err)
			}

			if !sleepUntil(ctx, nextRetryAt) {
				// Context cancelled while waiting to retry (e.g. worker
				// shutdown). Leave the Step in retrying; recovery will
				// pick the Run back up once it's detected as stuck.
				return pipeline.StepResult{Success: false, Error: "cancelled while waiting to retry"}
			}
			attempt = next
			continue
		}

		now := time.Now()
		if err := sr.Store.UpdateStepResult(ctx, stepID, nil, errMsg); err != nil {
			stepLogger.Error("failed to persist terminal error", "error", err)
		}
		if err := sr.Store.UpdateStepStatus(ctx, stepID, store.StepStatusUpdate{
			Status: store.StepFailed, FinishedAt: &now,
		}); err != nil {
			stepLogger.Error("failed to mark step failed", "error", err)
		}
		stepLogger.Error("step exhausted retries", "attempts", attempt)
		return pipeline.StepResult{Success: false, Error: errMsg}
	}
}

// attempt invokes the handler exactly once, racing it against the step's
// timeout if one is configured. It never blocks past the deadline: a
// handler that produces a result after the deadline is ignored, and its
// goroutine is left to finish (or not) on its own — the engine does not
// wait on it.
func (sr *StepRunner) attempt(ctx context.Context, runID, pipelineID string, stepDef pipeline.StepDefinition, prevResults map[string]pipeline.StepResult, metadata map[string]any) (pipeline.StepResult, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc
	if stepDef.TimeoutMs != nil {
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(*stepDef.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	sc := pipeline.StepContext{
		RunID:       runID,
		PipelineID:  pipelineID,
		PrevResults: prevResults,
		Metadata:    metadata,
	}

	type outcome struct {
		res pipeline.StepResult
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		res, err := stepDef.Handler(attemptCtx, sc)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return pipeline.StepResult{}, o.err
		}
		if !o.res.Success {
			msg := o.res.Error
			if msg == "" {
				msg = "handler reported failure"
			}
			return pipeline.StepResult{}, errors.New(msg)
		}
		if len(o.res.Data) > 0 && !json.Valid(o.res.Data) {
			return pipeline.StepResult{}, errors.New("unserializable result")
		}
		return o.res, nil
	case <-attemptCtx.Done():
		if stepDef.TimeoutMs != nil && attemptCtx.Err() == context.DeadlineExceeded {
			return pipeline.StepResult{}, fmt.Errorf("timeout after %dms", *stepDef.TimeoutMs)
		}
		return pipeline.StepResult{}, attemptCtx.Err()
	}
}

// backoff computes the delay before attempt n+1, where attempt is the
// attempt number that just failed (1-indexed). Its base term is
// exponential, monotonically non-decreasing and capped at backoffCap; a
// random jitter of up to 25% of the base is added on top, so the result
// never exceeds 1.25 * backoffCap.
func backoff(attempt int) time.Duration {
	base := float64(backoffBase) * math.Pow(2, float64(attempt-1))
	if base > float64(backoffCap) {
		base = float64(backoffCap)
	}
	jitter := base * 0.25 * rand.Float64()
	return time.Duration(base + jitter)
}

// sleepUntil blocks until t or ctx is cancelled, returning false in the
// latter case.
func sleepUntil(ctx context.Context, t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
