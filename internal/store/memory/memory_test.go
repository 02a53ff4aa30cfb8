package memory

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipekeeper/pipekeeper/internal/store"
)

func TestCreatePipeline_RejectsDuplicateName(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	assert.Error(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
}

func TestClaimOnePendingRun_FIFOOrder(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	p, err := b.GetPipelineByName(ctx, "demo")
	require.NoError(t, err)

	first, _, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a"}, "test")
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second, _, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a"}, "test")
	require.NoError(t, err)

	claimed, err := b.ClaimOnePendingRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, store.RunRunning, claimed.Status)
	require.NotNil(t, claimed.Pipeline)
	assert.Equal(t, "demo", claimed.Pipeline.Name)

	claimed2, err := b.ClaimOnePendingRun(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, second.ID, claimed2.ID)

	none, err := b.ClaimOnePendingRun(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestClaimOnePendingRun_NeverDoubleClaimsUnderConcurrency(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	p, err := b.GetPipelineByName(ctx, "demo")
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, _, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a"}, "test")
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimedIDs := make(map[string]bool)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := b.ClaimOnePendingRun(ctx)
			require.NoError(t, err)
			if run == nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, claimedIDs[run.ID], "run %s claimed twice", run.ID)
			claimedIDs[run.ID] = true
		}()
	}
	wg.Wait()
	assert.Len(t, claimedIDs, n)
}

func TestUpdateStepResult_IsIsolatedFromCallerMutation(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	p, err := b.GetPipelineByName(ctx, "demo")
	require.NoError(t, err)
	_, steps, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a"}, "test")
	require.NoError(t, err)

	require.NoError(t, b.UpdateStepResult(ctx, steps[0].ID, []byte(`{"x":1}`), ""))
	got, err := b.GetStepsForRun(ctx, steps[0].RunID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	got[0].Result[0] = 'Z' // mutate the returned copy

	got2, err := b.GetStepsForRun(ctx, steps[0].RunID)
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"x":1}`), got2[0].Result)
}

func TestFindStuckRunningRuns_OnlyPastThreshold(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	p, err := b.GetPipelineByName(ctx, "demo")
	require.NoError(t, err)
	run, _, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a"}, "test")
	require.NoError(t, err)

	claimed, err := b.ClaimOnePendingRun(ctx)
	require.NoError(t, err)
	require.Equal(t, run.ID, claimed.ID)

	stuck, err := b.FindStuckRunningRuns(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stuck)

	stuck, err = b.FindStuckRunningRuns(ctx, -time.Hour)
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, run.ID, stuck[0].ID)
}

func TestGetCompletedStepsForRun_OnlyReturnsSuccess(t *testing.T) {
	b := New()
	ctx := context.Background()
	require.NoError(t, b.CreatePipeline(ctx, &store.Pipeline{Name: "demo"}))
	p, err := b.GetPipelineByName(ctx, "demo")
	require.NoError(t, err)
	_, steps, err := b.CreateRunWithSteps(ctx, p.ID, []string{"a", "b"}, "test")
	require.NoError(t, err)

	require.NoError(t, b.UpdateStepStatus(ctx, steps[0].ID, store.StepStatusUpdate{Status: store.StepSuccess}))
	require.NoError(t, b.UpdateStepStatus(ctx, steps[1].ID, store.StepStatusUpdate{Status: store.StepFailed}))

	completed, err := b.GetCompletedStepsForRun(ctx, steps[0].RunID)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "a", completed[0].Name)
}
