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

// Package pipelineerr defines the typed error taxonomy raised by the
// registry, planner, and engine. Retryable step failures are represented as
// plain errors on the Step row, not as a distinct type here; only the
// error kinds that are meaningful to a caller before or outside of a Run's
// retry loop get their own type.
package pipelineerr

import "fmt"

// ValidationError reports a malformed Pipeline Definition or registration
// request, raised before any Run exists.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("validation: %s: %s (%s)", e.Field, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// NotFoundError reports a lookup against a pipeline, run, or step that does
// not exist in the Registry or Store.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError reports a state-transition request that the current row
// state does not permit, such as retrying a Run that is not terminally
// failed, or creating a pipeline whose name already exists.
type ConflictError struct {
	Resource string
	Reason   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict: %s: %s", e.Resource, e.Reason)
}

// ConfigError reports a malformed or inconsistent configuration value.
type ConfigError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Cause)
	}
	return fmt.Sprintf("config %s: %s", e.Key, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Cause }

// StoreError wraps an underlying persistence failure with the operation
// that triggered it, per the engine-level-fatal-for-this-run handling
// described for store write failures.
type StoreError struct {
	Operation string
	Cause     error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Operation, e.Cause)
}

func (e *StoreError) Unwrap() error { return e.Cause }
