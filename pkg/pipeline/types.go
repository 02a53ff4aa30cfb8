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

// Package pipeline defines the in-memory Pipeline Definition shape and the
// process-local Registry that maps pipeline names to definitions.
package pipeline

import (
	"context"
	"encoding/json"
)

// StepResult is the shape every handler invocation produces, and the shape
// every entry of prevResults carries for an already-terminated step.
type StepResult struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// StepContext is handed to every handler invocation.
type StepContext struct {
	RunID       string
	PipelineID  string
	PrevResults map[string]StepResult
	Metadata    map[string]any
}

// Handler is the capability a step definition wraps: it accepts a
// StepContext and produces a StepResult, synchronously or not. The Step
// Runner always invokes it on its own goroutine and races it against the
// step's timeout, so a Handler that blocks past its deadline never stalls
// the engine — only the goroutine itself leaks, which is why handlers are
// expected to respect ctx cancellation even though the engine does not
// wait for them to do so.
type Handler func(ctx context.Context, sc StepContext) (StepResult, error)

// StepDefinition is one node of a Pipeline Definition.
//
// DependsOn distinguishes nil from a non-nil empty slice: nil means "depends
// on every step declared earlier in Steps" (the backwards-compatible
// default); a non-nil empty slice means the step has no dependencies at all.
//
// TimeoutMs draws the same nil-vs-set distinction: nil means the attempt is
// unbounded, and a set value must be positive — an explicit zero is a
// definition error, not a synonym for unbounded.
type StepDefinition struct {
	Name       string
	Handler    Handler
	MaxRetries int
	TimeoutMs  *int
	DependsOn  []string
}

// Timeout returns a pointer to ms, for use in StepDefinition literals.
func Timeout(ms int) *int { return &ms }

// Definition is the code behind a named Pipeline: the catalog metadata plus
// its ordered step list.
type Definition struct {
	Name        string
	Description string
	Schedule    string // optional cron expression; never interpreted here
	Steps       []StepDefinition
}

// StepByName returns the StepDefinition named name and whether it exists.
func (d *Definition) StepByName(name string) (StepDefinition, bool) {
	for _, s := range d.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepDefinition{}, false
}

// ResolvedDependsOn returns the effective dependency set for step i,
// applying the nil-means-all-prior / explicit-empty-means-none rule.
func (d *Definition) ResolvedDependsOn(i int) []string {
	step := d.Steps[i]
	if step.DependsOn != nil {
		return step.DependsOn
	}
	names := make([]string, 0, i)
	for j := 0; j < i; j++ {
		names = append(names, d.Steps[j].Name)
	}
	return names
}
