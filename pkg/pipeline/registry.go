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
	"sync"

	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

// Registry is a process-lifetime map from pipeline name to Pipeline
// Definition. It is owned by the worker process's composition root and
// passed by reference to whatever needs to resolve a name to a
// Definition — it is not a package-level global.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register validates def and adds it under def.Name. It fails if the name
// is already registered or the definition is invalid.
func (r *Registry) Register(def *Definition) error {
	if err := Validate(def); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return &pipelineerr.ValidationError{
			Field:   "name",
			Message: "pipeline already registered: " + def.Name,
		}
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the Definition registered under name.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, &pipelineerr.NotFoundError{Resource: "pipeline", ID: name}
	}
	return def, nil
}

// List returns a snapshot of all registered Definitions.
func (r *Registry) List() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	return out
}

// Delete removes a Definition. It exists for test setup/teardown.
func (r *Registry) Delete(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.defs, name)
}
