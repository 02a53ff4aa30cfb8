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

// Package planner turns a Pipeline Definition into a deterministic
// execution plan: an ordered sequence of waves, each a set of step names
// that may run concurrently because their dependencies are all satisfied
// by earlier waves.
package planner

import (
	"fmt"
	"sort"

	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

// Plan computes the wave sequence for def using Kahn's algorithm. Within a
// wave, step names are sorted lexically so the plan is fully deterministic
// across calls, matching the "plan(def) = plan(def)" law.
func Plan(def *pipeline.Definition) ([][]string, error) {
	n := len(def.Steps)
	index := make(map[string]int, n)
	for i, s := range def.Steps {
		index[s.Name] = i
	}

	deps := make([][]int, n)
	indegree := make([]int, n)
	dependents := make([][]int, n)

	for i := range def.Steps {
		for _, depName := range def.ResolvedDependsOn(i) {
			depIdx, ok := index[depName]
			if !ok {
				return nil, &pipelineerr.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("unknown dependency %q", depName),
				}
			}
			if depIdx >= i {
				return nil, &pipelineerr.ValidationError{
					Field:   fmt.Sprintf("steps[%d].dependsOn", i),
					Message: fmt.Sprintf("forward or self reference to %q", depName),
				}
			}
			deps[i] = append(deps[i], depIdx)
			dependents[depIdx] = append(dependents[depIdx], i)
			indegree[i]++
		}
	}

	var waves [][]string
	done := make([]bool, n)
	remaining := n

	for remaining > 0 {
		var waveIdx []int
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				waveIdx = append(waveIdx, i)
			}
		}
		if len(waveIdx) == 0 {
			// Unreachable given the forward-reference rejection above, but
			// checked defensively per the planner's contract.
			return nil, &pipelineerr.ValidationError{
				Field:   "steps",
				Message: "cycle detected among step dependencies",
			}
		}

		names := make([]string, len(waveIdx))
		for j, i := range waveIdx {
			names[j] = def.Steps[i].Name
		}
		sort.Strings(names)
		waves = append(waves, names)

		for _, i := range waveIdx {
			done[i] = true
			remaining--
			for _, dep := range dependents[i] {
				indegree[dep]--
			}
		}
	}

	return waves, nil
}
