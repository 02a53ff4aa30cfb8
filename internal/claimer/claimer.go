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

// Package claimer implements the poll loop that repeatedly claims pending
// Runs and drives them to completion. Multiple Claimer loops, in one or
// many worker processes, may run concurrently against the same Store;
// correctness rests entirely on Store.ClaimOnePendingRun's atomic FIFO
// guarantee.
package claimer

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/obslog"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

const (
	defaultPollIntervalMin = 200 * time.Millisecond
	defaultPollIntervalMax = 1000 * time.Millisecond
)

// Config controls one Claimer loop.
type Config struct {
	Store    store.Store
	Registry *pipeline.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// PollIntervalMin/Max bound the jittered sleep after an empty claim.
	// Both default to the 200-1000ms range if unset.
	PollIntervalMin time.Duration
	PollIntervalMax time.Duration
}

// Claimer is one worker's poll loop: claim, execute, repeat immediately;
// on an empty claim, sleep a jittered interval before trying again.
type Claimer struct {
	cfg      Config
	executor *engine.RunExecutor
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Claimer. It does not start the loop; call Start.
func New(cfg Config) *Claimer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollIntervalMin <= 0 {
		cfg.PollIntervalMin = defaultPollIntervalMin
	}
	if cfg.PollIntervalMax <= cfg.PollIntervalMin {
		cfg.PollIntervalMax = defaultPollIntervalMax
	}
	return &Claimer{
		cfg:      cfg,
		executor: engine.NewRunExecutor(cfg.Store, cfg.Logger),
		logger:   cfg.Logger.With("component", "claimer"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the loop in a new goroutine. Call Stop to request a graceful
// shutdown; Stop blocks until the in-flight Run (if any) finishes or ctx is
// cancelled.
func (c *Claimer) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop requests the loop to exit after its current iteration and waits for
// it to do so.
func (c *Claimer) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Claimer) run(ctx context.Context) {
	defer close(c.doneCh)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		claimed, err := c.tick(ctx)
		if err != nil {
			c.logger.Error("claim failed", "error", err)
			claimed = false
		}
		if claimed {
			continue // no sleep when busy
		}

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(jitteredInterval(c.cfg.PollIntervalMin, c.cfg.PollIntervalMax)):
		}
	}
}

// tick performs one claim attempt. It returns claimed=true if a Run was
// claimed and executed (regardless of that Run's outcome).
func (c *Claimer) tick(ctx context.Context) (bool, error) {
	run, err := c.cfg.Store.ClaimOnePendingRun(ctx)
	if err != nil {
		return false, err
	}
	if run == nil {
		return false, nil
	}

	logger := obslog.WithRun(c.logger, run.ID, run.PipelineID)

	var pipelineName string
	if run.Pipeline != nil {
		pipelineName = run.Pipeline.Name
	}

	def, err := c.cfg.Registry.Get(pipelineName)
	if err != nil {
		logger.Error("pipeline not registered, failing run", "pipeline", pipelineName, "error", err)
		now := time.Now()
		if upErr := c.cfg.Store.UpdateRunStatus(ctx, run.ID, store.RunFailed, &now); upErr != nil {
			logger.Error("failed to mark run failed", "error", upErr)
		}
		return true, nil
	}

	start := time.Now()
	status, execErr := c.executor.ExecuteNormal(ctx, run, def, nil)
	duration := time.Since(start)

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Record(pipelineName, duration, status == store.RunSuccess)
	}
	if execErr != nil {
		logger.Error("run executor error", "error", execErr)
	}
	return true, nil
}

func jitteredInterval(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
