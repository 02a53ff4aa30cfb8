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

package pipeline

import (
	"fmt"
	"regexp"

	"github.com/robfig/cron/v3"

	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Validate checks a Definition's registration invariants: a well-formed
// pipeline name, unique step names, well-formed dependency references, sane retry
// and timeout configuration, and (if set) a syntactically valid cron
// schedule. It does not check for cycles among dependencies beyond
// rejecting forward references — full DAG validity is the planner's job.
func Validate(def *Definition) error {
	if !namePattern.MatchString(def.Name) {
		return &pipelineerr.ValidationError{
			Field:   "name",
			Message: fmt.Sprintf("%q does not match ^[A-Za-z0-9_-]{1,100}$", def.Name),
		}
	}
	if len(def.Steps) == 0 {
		return &pipelineerr.ValidationError{
			Field:   "steps",
			Message: "pipeline must declare at least one step",
		}
	}
	if def.Schedule != "" {
		if _, err := cronParser.Parse(def.Schedule); err != nil {
			return &pipelineerr.ValidationError{
				Field:      "schedule",
				Message:    fmt.Sprintf("invalid cron expression: %v", err),
				Suggestion: "schedule is stored but never interpreted by the core; it must still parse",
			}
		}
	}

	seen := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.Name == "" {
			return &pipelineerr.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: "step name must not be empty",
			}
		}
		if prev, ok := seen[step.Name]; ok {
			return &pipelineerr.ValidationError{
				Field:   fmt.Sprintf("steps[%d].name", i),
				Message: fmt.Sprintf("duplicate step name %q (also at index %d)", step.Name, prev),
			}
		}
		seen[step.Name] = i
		if step.Handler == nil {
			return &pipelineerr.ValidationError{
				Field:   fmt.Sprintf("steps[%d].handler", i),
				Message: "step handler must not be nil",
			}
		}
		if step.MaxRetries < 0 {
			return &pipelineerr.ValidationError{
				Field:   fmt.Sprintf("steps[%d].maxRetries", i),
				Message: "maxRetries must be >= 0",
			}
		}
		if step.TimeoutMs != nil && *step.TimeoutMs <= 0 {
			return &pipelineerr.ValidationError{
				Field:   fmt.Sprintf("steps[%d].timeoutMs", i),
				Message: "timeoutMs must be > 0 when set",
			}
		}
		if step.DependsOn != nil {
			for _, dep := range step.DependsOn {
				idx, ok := seen[dep]
				if !ok || idx >= i {
					return &pipelineerr.ValidationError{
						Field:   fmt.Sprintf("steps[%d].dependsOn", i),
						Message: fmt.Sprintf("unknown or forward dependency %q", dep),
					}
				}
			}
		}
	}
	return nil
}
