package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

func TestPlan_LinearDefaultDependsOnPriorStep(t *testing.T) {
	def := &pipeline.Definition{
		Name: "linear",
		Steps: []pipeline.StepDefinition{
			{Name: "a"},
			{Name: "b"},
			{Name: "c"},
		},
	}
	waves, err := Plan(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a"}, {"b"}, {"c"}}, waves)
}

func TestPlan_ParallelWaveWhenNoDependency(t *testing.T) {
	def := &pipeline.Definition{
		Name: "fanout",
		Steps: []pipeline.StepDefinition{
			{Name: "extract", DependsOn: []string{}},
			{Name: "a", DependsOn: []string{"extract"}},
			{Name: "b", DependsOn: []string{"extract"}},
			{Name: "load", DependsOn: []string{"a", "b"}},
		},
	}
	waves, err := Plan(def)
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Equal(t, []string{"extract"}, waves[0])
	assert.Equal(t, []string{"a", "b"}, waves[1])
	assert.Equal(t, []string{"load"}, waves[2])
}

func TestPlan_RejectsUnknownDependency(t *testing.T) {
	def := &pipeline.Definition{
		Name: "bad",
		Steps: []pipeline.StepDefinition{
			{Name: "a", DependsOn: []string{"missing"}},
		},
	}
	_, err := Plan(def)
	assert.Error(t, err)
}

func TestPlan_RejectsForwardReference(t *testing.T) {
	def := &pipeline.Definition{
		Name: "bad",
		Steps: []pipeline.StepDefinition{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{}},
		},
	}
	_, err := Plan(def)
	assert.Error(t, err)
}

func TestPlan_IsDeterministicAcrossCalls(t *testing.T) {
	def := &pipeline.Definition{
		Name: "fanout",
		Steps: []pipeline.StepDefinition{
			{Name: "extract", DependsOn: []string{}},
			{Name: "z", DependsOn: []string{"extract"}},
			{Name: "a", DependsOn: []string{"extract"}},
		},
	}
	first, err := Plan(def)
	require.NoError(t, err)
	second, err := Plan(def)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"a", "z"}, first[1])
}
