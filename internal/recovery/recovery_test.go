package recovery

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/internal/store/memory"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

func seedStuckRun(t *testing.T, ctx context.Context, st store.Store, pipelineName string, staleFor time.Duration) *store.Run {
	t.Helper()
	require.NoError(t, st.CreatePipeline(ctx, &store.Pipeline{Name: pipelineName}))
	p, err := st.GetPipelineByName(ctx, pipelineName)
	require.NoError(t, err)
	run, _, err := st.CreateRunWithSteps(ctx, p.ID, nil, "test")
	require.NoError(t, err)
	run.PipelineID = p.ID

	claimed, err := st.ClaimOnePendingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.ID)

	// Back the claim's StartedAt off by staleFor so FindStuckRunningRuns
	// picks it up; there is no setter on the Store interface for this, so
	// the test reaches into the in-memory backend directly via its concrete
	// type, which is acceptable for recovery tests that need to simulate
	// elapsed wall-clock time without actually sleeping.
	backend, ok := st.(*memory.Backend)
	require.True(t, ok, "seedStuckRun requires a *memory.Backend")
	backend.BackdateRunStartedAt(run.ID, staleFor)

	return run
}

// A stuck Run with two successful Steps and one in-flight
// Step is resumed: the successful steps are not re-invoked, prevResults is
// reconstructed from their persisted results, and the in-flight step is
// re-run to completion.
func TestRecoverOne_ResumesFromLastSuccessfulStep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var step1Called, step2Called int32
	var step3PrevResults map[string]pipeline.StepResult

	def := &pipeline.Definition{
		Name: "s7-recover",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "step1",
				DependsOn: []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					atomic.AddInt32(&step1Called, 1)
					return pipeline.StepResult{Success: true}, nil
				},
			},
			{
				Name:      "step2",
				DependsOn: []string{"step1"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					atomic.AddInt32(&step2Called, 1)
					return pipeline.StepResult{Success: true}, nil
				},
			},
			{
				Name:      "step3",
				DependsOn: []string{"step2"},
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					step3PrevResults = sc.PrevResults
					return pipeline.StepResult{Success: true, Data: json.RawMessage(`{"done":true}`)}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Register(def))

	run := seedStuckRun(t, ctx, st, "s7-recover", 15*time.Minute)

	s1, err := st.CreateStep(ctx, run.ID, "step1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStepResult(ctx, s1.ID, json.RawMessage(`{"v":100}`), ""))
	require.NoError(t, st.UpdateStepStatus(ctx, s1.ID, store.StepStatusUpdate{Status: store.StepSuccess}))

	s2, err := st.CreateStep(ctx, run.ID, "step2")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStepResult(ctx, s2.ID, json.RawMessage(`{"v":200}`), ""))
	require.NoError(t, st.UpdateStepStatus(ctx, s2.ID, store.StepStatusUpdate{Status: store.StepSuccess}))

	s3, err := st.CreateStep(ctx, run.ID, "step3")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStepStatus(ctx, s3.ID, store.StepStatusUpdate{Status: store.StepRunning}))

	orch := New(Config{Store: st, Registry: reg, StaleAfter: time.Minute})
	orch.scan(ctx)

	assert.Equal(t, int32(0), atomic.LoadInt32(&step1Called), "step1 must not be re-invoked")
	assert.Equal(t, int32(0), atomic.LoadInt32(&step2Called), "step2 must not be re-invoked")

	require.NotNil(t, step3PrevResults)
	var v1, v2 struct{ V int }
	require.NoError(t, json.Unmarshal(step3PrevResults["step1"].Data, &v1))
	require.NoError(t, json.Unmarshal(step3PrevResults["step2"].Data, &v2))
	assert.Equal(t, 100, v1.V)
	assert.Equal(t, 200, v2.V)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunSuccess, got.Status)
}

// A stuck Run with a terminally failed Step is never
// resumed: it is marked failed directly and no handler runs.
func TestRecoverOne_RefusesToResumePastFailedStep(t *testing.T) {
	ctx := context.Background()
	st := memory.New()

	var invoked int32
	def := &pipeline.Definition{
		Name: "s8-refuse",
		Steps: []pipeline.StepDefinition{
			{
				Name:      "step1",
				DependsOn: []string{},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					atomic.AddInt32(&invoked, 1)
					return pipeline.StepResult{Success: true}, nil
				},
			},
			{
				Name:      "step2",
				DependsOn: []string{"step1"},
				Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
					atomic.AddInt32(&invoked, 1)
					return pipeline.StepResult{Success: true}, nil
				},
			},
		},
	}
	require.NoError(t, pipeline.Validate(def))
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Register(def))

	run := seedStuckRun(t, ctx, st, "s8-refuse", 15*time.Minute)

	s1, err := st.CreateStep(ctx, run.ID, "step1")
	require.NoError(t, err)
	require.NoError(t, st.UpdateStepResult(ctx, s1.ID, nil, "boom"))
	require.NoError(t, st.UpdateStepStatus(ctx, s1.ID, store.StepStatusUpdate{Status: store.StepFailed}))

	orch := New(Config{Store: st, Registry: reg, StaleAfter: time.Minute})
	orch.scan(ctx)

	assert.Equal(t, int32(0), atomic.LoadInt32(&invoked), "no handler may run once a prior step is terminally failed")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunFailed, got.Status)
	assert.NotNil(t, got.FinishedAt)
}

// A Run whose pipeline is not currently registered is left running for a
// later scan rather than marked failed; the operator may redeploy the
// missing pipeline code and retry.
func TestRecoverOne_LeavesRunRunningWhenPipelineUnregistered(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := pipeline.NewRegistry() // nothing registered

	run := seedStuckRun(t, ctx, st, "s-missing", 15*time.Minute)

	orch := New(Config{Store: st, Registry: reg, StaleAfter: time.Minute})
	orch.scan(ctx)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunRunning, got.Status)
}

// A scan that finds nothing stuck is a no-op.
func TestScan_NoStuckRunsIsNoop(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := pipeline.NewRegistry()
	orch := New(Config{Store: st, Registry: reg})
	orch.scan(ctx) // must not panic or error
}
