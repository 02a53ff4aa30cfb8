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

// Package pipelines holds the Pipeline Definitions a worker process
// registers at startup. Since a Handler is a Go function, not declarative
// data, pipeline modules live as Go code rather than the YAML/JSON files an
// external façade would expose; each is registered in process at startup.
package pipelines

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
)

// All returns every built-in Pipeline Definition. Operators embedding
// Pipekeeper in their own binary are expected to write an equivalent
// function for their own pipeline modules rather than edit this file.
func All() []*pipeline.Definition {
	return []*pipeline.Definition{
		helloWorld(),
		etlSample(),
	}
}

// RegisterAll registers every Definition returned by All against reg, and
// ensures each has a durable Pipeline catalog row in st. It is the first
// call a worker's main() makes after opening its Store.
func RegisterAll(ctx context.Context, st store.Store, reg *pipeline.Registry) error {
	for _, def := range All() {
		if err := engine.EnsurePipelineRegistered(ctx, st, reg, def); err != nil {
			return fmt.Errorf("register pipeline %q: %w", def.Name, err)
		}
	}
	return nil
}

// helloWorld is a single-step pipeline used to smoke-test a fresh worker:
// it produces a greeting and nothing else.
func helloWorld() *pipeline.Definition {
	return &pipeline.Definition{
		Name:        "hello-world",
		Description: "Single-step smoke test pipeline.",
		Steps: []pipeline.StepDefinition{
			{
				Name:       "greet",
				MaxRetries: 0,
				TimeoutMs:  pipeline.Timeout(5000),
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					data, _ := json.Marshal(map[string]string{"message": "hello from run " + sc.RunID})
					return pipeline.StepResult{Success: true, Data: data}, nil
				},
			},
		},
	}
}

// etlSample demonstrates a fan-out/fan-in shape: extract, two independent
// transforms that both depend on extract, and a load step that depends on
// both transforms. The DAG Planner resolves this into three waves.
func etlSample() *pipeline.Definition {
	return &pipeline.Definition{
		Name:        "etl-sample",
		Description: "Illustrative extract/transform/load pipeline with a parallel wave.",
		Steps: []pipeline.StepDefinition{
			{
				Name:       "extract",
				MaxRetries: 2,
				TimeoutMs:  pipeline.Timeout(10_000),
				DependsOn:  []string{},
				Handler: func(_ context.Context, _ pipeline.StepContext) (pipeline.StepResult, error) {
					data, _ := json.Marshal(map[string]any{"rows": []int{1, 2, 3}})
					return pipeline.StepResult{Success: true, Data: data}, nil
				},
			},
			{
				Name:       "transform-sum",
				MaxRetries: 1,
				TimeoutMs:  pipeline.Timeout(10_000),
				DependsOn:  []string{"extract"},
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					var extracted struct {
						Rows []int `json:"rows"`
					}
					if err := json.Unmarshal(sc.PrevResults["extract"].Data, &extracted); err != nil {
						return pipeline.StepResult{}, err
					}
					sum := 0
					for _, v := range extracted.Rows {
						sum += v
					}
					data, _ := json.Marshal(map[string]int{"sum": sum})
					return pipeline.StepResult{Success: true, Data: data}, nil
				},
			},
			{
				Name:       "transform-count",
				MaxRetries: 1,
				TimeoutMs:  pipeline.Timeout(10_000),
				DependsOn:  []string{"extract"},
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					var extracted struct {
						Rows []int `json:"rows"`
					}
					if err := json.Unmarshal(sc.PrevResults["extract"].Data, &extracted); err != nil {
						return pipeline.StepResult{}, err
					}
					data, _ := json.Marshal(map[string]int{"count": len(extracted.Rows)})
					return pipeline.StepResult{Success: true, Data: data}, nil
				},
			},
			{
				Name:       "load",
				MaxRetries: 2,
				TimeoutMs:  pipeline.Timeout(10_000),
				DependsOn:  []string{"transform-sum", "transform-count"},
				Handler: func(_ context.Context, sc pipeline.StepContext) (pipeline.StepResult, error) {
					data, _ := json.Marshal(map[string]json.RawMessage{
						"sum":   sc.PrevResults["transform-sum"].Data,
						"count": sc.PrevResults["transform-count"].Data,
					})
					return pipeline.StepResult{Success: true, Data: data}, nil
				},
			},
		},
	}
}
