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

// Package recovery implements the startup and periodic scan that finds Runs
// stuck in `running` (the worker that owned them crashed mid-execution) and
// either resumes them from their last durable checkpoint or marks them
// failed, depending on what their persisted Steps show.
package recovery

import (
	"context"
	"log/slog"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/obslog"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

// defaultStaleAfter is how long a Run may sit in `running` before it is
// considered abandoned by its worker and eligible for recovery. It must
// exceed the slowest expected step's combined timeout and retries, or an
// in-flight Run executing a long wave will be recovered out from under its
// worker.
const defaultStaleAfter = 10 * time.Minute

// Config controls one Orchestrator.
type Config struct {
	Store    store.Store
	Registry *pipeline.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// ScanInterval is how often the periodic scan runs. Defaults to
	// StaleAfter / 2 if unset.
	ScanInterval time.Duration
	// StaleAfter is how long a Run may sit in `running` before it is
	// considered stuck. Defaults to defaultStaleAfter if unset.
	StaleAfter time.Duration
}

// Orchestrator scans for stuck Runs at startup and on a fixed interval
// thereafter, resuming or failing each one it finds.
type Orchestrator struct {
	cfg      Config
	executor *engine.RunExecutor
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs an Orchestrator. It does not start scanning; call Start.
func New(cfg Config) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = cfg.StaleAfter / 2
	}
	return &Orchestrator{
		cfg:      cfg,
		executor: engine.NewRunExecutor(cfg.Store, cfg.Logger),
		logger:   cfg.Logger.With("component", "recovery"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs an immediate scan followed by a ticker-driven scan loop in a
// new goroutine.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.run(ctx)
}

// Stop requests the loop to exit after its current scan and waits for it.
func (o *Orchestrator) Stop() {
	close(o.stopCh)
	<-o.doneCh
}

func (o *Orchestrator) run(ctx context.Context) {
	defer close(o.doneCh)

	o.scan(ctx)

	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.scan(ctx)
		}
	}
}

// scan finds every stuck Run and recovers each independently; one Run's
// recovery failure never prevents the others from being attempted.
func (o *Orchestrator) scan(ctx context.Context) {
	stuck, err := o.cfg.Store.FindStuckRunningRuns(ctx, o.cfg.StaleAfter)
	if err != nil {
		o.logger.Error("scan for stuck runs failed", "error", err)
		return
	}
	if len(stuck) == 0 {
		return
	}
	o.logger.Info("found stuck runs", "count", len(stuck))
	for _, run := range stuck {
		o.recoverOne(ctx, run)
	}
}

// recoverOne inspects run's persisted Steps and either marks the Run
// terminally failed (a Step had already failed when the worker died) or
// resumes it from the last durable checkpoint.
func (o *Orchestrator) recoverOne(ctx context.Context, run *store.Run) {
	logger := obslog.WithRun(o.logger, run.ID, run.PipelineID)

	steps, err := o.cfg.Store.GetStepsForRun(ctx, run.ID)
	if err != nil {
		logger.Error("failed to load steps for stuck run", "error", err)
		return
	}

	for _, s := range steps {
		if s.Status == store.StepFailed {
			logger.Warn("stuck run has a terminally failed step, marking run failed", "step", s.Name)
			now := time.Now()
			if err := o.cfg.Store.UpdateRunStatus(ctx, run.ID, store.RunFailed, &now); err != nil {
				logger.Error("failed to mark run failed", "error", err)
			}
			return
		}
	}

	var pipelineName string
	if run.Pipeline != nil {
		pipelineName = run.Pipeline.Name
	} else if p, err := o.lookupPipeline(ctx, run.PipelineID); err == nil {
		pipelineName = p.Name
	}

	def, err := o.cfg.Registry.Get(pipelineName)
	if err != nil {
		logger.Error("pipeline not registered, cannot recover run; leaving running for a later scan",
			"pipeline", pipelineName, "error", err)
		return
	}

	completed, err := o.cfg.Store.GetCompletedStepsForRun(ctx, run.ID)
	if err != nil {
		logger.Error("failed to load completed steps for stuck run", "error", err)
		return
	}

	already := make(map[string]bool, len(completed))
	seeded := make(map[string]pipeline.StepResult, len(completed))
	for _, s := range completed {
		already[s.Name] = true
		seeded[s.Name] = pipeline.StepResult{Success: true, Data: s.Result}
	}

	logger.Info("resuming stuck run", "completedSteps", len(completed))
	start := time.Now()
	status, err := o.executor.ExecuteResume(ctx, run, def, already, seeded, nil)
	duration := time.Since(start)

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.Record(pipelineName, duration, status == store.RunSuccess)
	}
	if err != nil {
		logger.Error("resume failed", "error", err)
	}
}

func (o *Orchestrator) lookupPipeline(ctx context.Context, pipelineID string) (*store.Pipeline, error) {
	pipelines, err := o.cfg.Store.ListPipelines(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range pipelines {
		if p.ID == pipelineID {
			return p, nil
		}
	}
	return nil, &notFoundErr{id: pipelineID}
}

type notFoundErr struct{ id string }

func (e *notFoundErr) Error() string { return "pipeline not found: " + e.id }
