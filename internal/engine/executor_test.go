package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/internal/store/memory"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

func newTestRun(t *testing.T, ctx context.Context, st store.Store, def *pipeline.Definition, firstWave []string) *store.Run {
	t.Helper()
	require.NoError(t, st.CreatePipeline(ctx, &store.Pipeline{Name: def.Name}))
	p, err := st.GetPipelineByName(ctx, def.Name)
	require.NoError(t, err)
	run, _, err := st.CreateRunWithSteps(ctx, p.ID, firstWave, "test")
	require.NoError(t, err)
	run.PipelineID = p.ID
	return run
}

func jsonData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// A simple 3-step success chain threading prevResults.
func TestExecuteNormal_ThreeStepSuccessChain(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	def := &pipeline.Definition{
		Name: "s3-chain",
		Steps: []pipeline.StepDefinition{
			{
				Name: "greet",
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]string{"m": "Hello"})}, nil
				},
			},
			{
				Name: "process",
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					var greet struct{ M string }
					require.NoError(t, json.Unmarshal(sc.PrevResults["greet"].Data, &greet))
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]string{"u": strings.ToUpper(greet.M)})}, nil
				},
			},
			{
				Name: "finish",
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					var proc struct{ U string }
					require.NoError(t, json.Unmarshal(sc.PrevResults["process"].Data, &proc))
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]string{"f": proc.U})}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"greet"})
	run.Status = store.RunPending

	exec := engine.NewRunExecutor(st, nil)
	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, status)

	steps, err := st.GetStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, store.StepSuccess, s.Status)
		assert.NotNil(t, s.FinishedAt)
	}

	var final struct{ F string }
	for _, s := range steps {
		if s.Name == "finish" {
			require.NoError(t, json.Unmarshal(s.Result, &final))
		}
	}
	assert.Equal(t, "HELLO", final.F)
}

// A parallel wave does not serialize its members: total
// wall-clock tracks the slowest sibling, not the sum.
func TestExecuteNormal_ParallelWaveRunsConcurrently(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	sleepStep := func(name string, d time.Duration) pipeline.StepDefinition {
		return pipeline.StepDefinition{
			Name:      name,
			DependsOn: []string{"gen"},
			Handler: func(ctx context.Context, _ pipeline.StepContext) (pipeline.StepResult, error) {
				select {
				case <-time.After(d):
				case <-ctx.Done():
				}
				return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]string{"name": name})}, nil
			},
		}
	}

	def := &pipeline.Definition{
		Name: "s4-parallel",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "gen",
				DependsOn: []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]bool{"ok": true})}, nil
				},
			},
			sleepStep("alpha", 150*time.Millisecond),
			sleepStep("beta", 250*time.Millisecond),
			{
				Name:      "merge",
				DependsOn: []string{"alpha", "beta"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]bool{"merged": true})}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"gen"})
	exec := engine.NewRunExecutor(st, nil)

	start := time.Now()
	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, status)
	// Serial execution of alpha+beta would take >= 400ms; concurrent
	// execution should finish well under that even with scheduling slack.
	assert.Less(t, elapsed, 380*time.Millisecond)
}

// A step that fails twice then succeeds on its third attempt
// ends success with attemptCount=3.
func TestExecuteNormal_RetryThenSuccess(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var attempts int32
	def := &pipeline.Definition{
		Name: "s5-flaky",
		Steps: []pipeline.StepDefinition{
			{
				Name:       "flaky",
				MaxRetries: 2,
				DependsOn:  []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					n := atomic.AddInt32(&attempts, 1)
					if n < 3 {
						return pipeline.StepResult{Success: false, Error: "not yet"}, nil
					}
					return pipeline.StepResult{Success: true, Data: jsonData(t, map[string]int{"attempt": int(n)})}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"flaky"})
	exec := engine.NewRunExecutor(st, nil)

	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, status)

	steps, err := st.GetStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepSuccess, steps[0].Status)
	assert.Equal(t, 3, steps[0].AttemptCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
}

// A step that always fails exhausts its retries and fails
// the run, with attemptCount = 1 + maxRetries.
func TestExecuteNormal_ExhaustedRetriesFailsRun(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	def := &pipeline.Definition{
		Name: "s6-always-fails",
		Steps: []pipeline.StepDefinition{
			{
				Name:       "doomed",
				MaxRetries: 2,
				DependsOn:  []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: false, Error: "boom"}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"doomed"})
	exec := engine.NewRunExecutor(st, nil)

	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, status)

	steps, err := st.GetStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Equal(t, 3, steps[0].AttemptCount)
	assert.Equal(t, "boom", steps[0].Error)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

// A handler that outlives its timeout is treated as a failed
// attempt, never a success, even though the handler goroutine eventually
// reports one.
func TestExecuteNormal_TimeoutEnforced(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	def := &pipeline.Definition{
		Name: "s9-timeout",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "slow",
				TimeoutMs: pipeline.Timeout(50),
				DependsOn: []string{},
				Handler: func(ctx context.Context, _ pipeline.StepContext) (pipeline.StepResult, error) {
					select {
					case <-time.After(200 * time.Millisecond):
						return pipeline.StepResult{Success: true}, nil
					case <-ctx.Done():
						return pipeline.StepResult{}, ctx.Err()
					}
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"slow"})
	exec := engine.NewRunExecutor(st, nil)

	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, status)

	steps, err := st.GetStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, store.StepFailed, steps[0].Status)
	assert.Equal(t, 1, steps[0].AttemptCount)
	assert.Contains(t, steps[0].Error, "timeout")
}

// A wave's failure never starts a later wave, and siblings already
// dispatched in the failing wave still reach a terminal state.
func TestExecuteNormal_FailurePreventsLaterWave(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var loadCalled atomic.Bool
	def := &pipeline.Definition{
		Name: "wave-fail",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "extract",
				DependsOn: []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: true, Data: jsonData(t, 1)}, nil
				},
			},
			{
				Name:      "transform-ok",
				DependsOn: []string{"extract"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: true, Data: jsonData(t, 1)}, nil
				},
			},
			{
				Name:      "transform-bad",
				DependsOn: []string{"extract"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					return pipeline.StepResult{Success: false, Error: "bad data"}, nil
				},
			},
			{
				Name:      "load",
				DependsOn: []string{"transform-ok", "transform-bad"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					loadCalled.Store(true)
					return pipeline.StepResult{Success: true}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, []string{"extract"})
	exec := engine.NewRunExecutor(st, nil)

	status, err := exec.ExecuteNormal(ctx, run, def, nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, status)
	assert.False(t, loadCalled.Load(), "load must never be invoked once an earlier wave fails")

	steps, err := st.GetStepsForRun(ctx, run.ID)
	require.NoError(t, err)
	names := make(map[string]store.StepStatus, len(steps))
	for _, s := range steps {
		names[s.Name] = s.Status
	}
	assert.Equal(t, store.StepSuccess, names["extract"])
	assert.Equal(t, store.StepSuccess, names["transform-ok"])
	assert.Equal(t, store.StepFailed, names["transform-bad"])
	_, loadRowExists := names["load"]
	assert.False(t, loadRowExists, "load's Step row must never be created")
}

// Resume is a fixed point: if every step is already successful, resume
// invokes no handlers and terminates success.
func TestExecuteResume_FixedPointWhenAllStepsAlreadySuccessful(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var invoked atomic.Int32
	def := &pipeline.Definition{
		Name: "resume-fixed-point",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "only",
				DependsOn: []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					invoked.Add(1)
					return pipeline.StepResult{Success: true}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))

	run := newTestRun(t, ctx, st, def, nil)
	run.Status = store.RunRunning
	require.NoError(t, st.UpdateRunStatus(ctx, run.ID, store.RunRunning, nil))
	step, err := st.CreateStep(ctx, run.ID, "only")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStepResult(ctx, step.ID, jsonData(t, true), ""))
	require.NoError(t, st.UpdateStepStatus(ctx, step.ID, store.StepStatusUpdate{Status: store.StepSuccess}))

	exec := engine.NewRunExecutor(st, nil)
	status, err := exec.ExecuteResume(ctx, run, def,
		map[string]bool{"only": true},
		map[string]pipeline.StepResult{"only": {Success: true, Data: jsonData(t, true)}},
		nil)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, status)
	assert.Equal(t, int32(0), invoked.Load(), "resume must not re-invoke an already-successful step's handler")
}
