package engine_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/internal/store/memory"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

func registeredService(t *testing.T, def *pipeline.Definition) (*engine.Service, store.Store) {
	t.Helper()
	ctx := context.Background()
	st := memory.New()
	reg := pipeline.NewRegistry()
	require.NoError(t, engine.EnsurePipelineRegistered(ctx, st, reg, def))
	return engine.NewService(st, reg, metrics.New(prometheus.NewRegistry())), st
}

func TestTriggerRun_CreatesRunWithFirstWaveSteps(t *testing.T) {
	ctx := context.Background()
	def := &pipeline.Definition{
		Name: "two-wave",
		Steps: []pipeline.StepDefinition{
			{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
				return pipeline.StepResult{Success: true}, nil
			}},
			{Name: "b", DependsOn: []string{"a"}, Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
				return pipeline.StepResult{Success: true}, nil
			}},
		},
	}
	require.NoError(t, pipeline.Validate(def))
	svc, st := registeredService(t, def)

	runID, err := svc.TriggerRun(ctx, "two-wave", "test")
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	steps, err := st.GetStepsForRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, steps, 1, "only the first wave's steps exist until the run advances")
	require.Equal(t, "a", steps[0].Name)
}

func TestTriggerRun_UnregisteredPipelineErrors(t *testing.T) {
	svc, _ := registeredService(t, &pipeline.Definition{
		Name: "exists",
		Steps: []pipeline.StepDefinition{{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
			return pipeline.StepResult{Success: true}, nil
		}}},
	})
	_, err := svc.TriggerRun(context.Background(), "does-not-exist", "test")
	require.Error(t, err)
}

func TestListPipelines_IncludesStatsSummaryOnceRunsRecorded(t *testing.T) {
	ctx := context.Background()
	def := &pipeline.Definition{
		Name:  "reported",
		Steps: []pipeline.StepDefinition{{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
			return pipeline.StepResult{Success: true}, nil
		}}},
	}
	st := memory.New()
	reg := pipeline.NewRegistry()
	require.NoError(t, engine.EnsurePipelineRegistered(ctx, st, reg, def))
	m := metrics.New(prometheus.NewRegistry())
	svc := engine.NewService(st, reg, m)

	list, err := svc.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].HasStatsSummary, "no run has completed yet")

	m.Record("reported", 0, true)
	list, err = svc.ListPipelines(ctx)
	require.NoError(t, err)
	require.True(t, list[0].HasStatsSummary)
	require.Equal(t, 1, list[0].StatsSummary.Success)
}

func TestListPipelines_NilMetricsOmitsStatsSummary(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := pipeline.NewRegistry()
	def := &pipeline.Definition{
		Name:  "no-metrics",
		Steps: []pipeline.StepDefinition{{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
			return pipeline.StepResult{Success: true}, nil
		}}},
	}
	require.NoError(t, engine.EnsurePipelineRegistered(ctx, st, reg, def))
	svc := engine.NewService(st, reg, nil)

	list, err := svc.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.False(t, list[0].HasStatsSummary)
}

func TestGetRun_ReturnsRunStepsAndPipeline(t *testing.T) {
	ctx := context.Background()
	def := &pipeline.Definition{
		Name:  "viewed",
		Steps: []pipeline.StepDefinition{{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
			return pipeline.StepResult{Success: true}, nil
		}}},
	}
	svc, _ := registeredService(t, def)
	runID, err := svc.TriggerRun(ctx, "viewed", "test")
	require.NoError(t, err)

	view, err := svc.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, runID, view.Run.ID)
	require.Len(t, view.Steps, 1)
	require.NotNil(t, view.Pipeline)
	require.Equal(t, "viewed", view.Pipeline.Name)
}

func TestRetryRun_OnlyPermittedOnFailedRun(t *testing.T) {
	ctx := context.Background()
	def := &pipeline.Definition{
		Name:  "retryable",
		Steps: []pipeline.StepDefinition{{Name: "a", Handler: func(context.Context, pipeline.StepContext) (pipeline.StepResult, error) {
			return pipeline.StepResult{Success: true}, nil
		}}},
	}
	svc, st := registeredService(t, def)
	runID, err := svc.TriggerRun(ctx, "retryable", "test")
	require.NoError(t, err)

	_, err = svc.RetryRun(ctx, runID)
	require.Error(t, err, "a pending run is not eligible for retry")

	require.NoError(t, st.UpdateRunStatus(ctx, runID, store.RunFailed, nil))
	newRunID, err := svc.RetryRun(ctx, runID)
	require.NoError(t, err)
	require.NotEqual(t, runID, newRunID)

	got, err := st.GetRun(ctx, newRunID)
	require.NoError(t, err)
	require.Equal(t, "manual_retry", got.TriggeredBy)
}
