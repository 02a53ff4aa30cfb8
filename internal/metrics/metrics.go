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

// Package metrics holds the engine's process-local counters: Prometheus
// counters/histograms for export, plus an in-memory rolling window of
// recent run durations per pipeline used to compute ListPipelines'
// statsSummary.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const defaultWindowSize = 50

// Metrics is a process-local collector of run outcomes. Multiple Claimer
// loops in one process share a single Metrics instance.
type Metrics struct {
	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	mu      sync.Mutex
	windows map[string]*window
	size    int
}

// window holds the last N run durations for one pipeline in a ring buffer
// (next is the slot the next sample overwrites), plus lifetime
// success/failure tallies that are not evicted with the window.
type window struct {
	durations []time.Duration
	next      int
	filled    bool
	success   int
	failed    int
}

// Summary is the min/max/avg execution time over a pipeline's rolling
// window, surfaced via Service.ListPipelines.
type Summary struct {
	Count   int
	Min     time.Duration
	Max     time.Duration
	Avg     time.Duration
	Success int
	Failed  int
}

// Option configures New.
type Option func(*Metrics)

// WithWindowSize overrides the default rolling-window size of 50 runs.
func WithWindowSize(n int) Option {
	return func(m *Metrics) { m.size = n }
}

// New registers the Prometheus collectors against registerer (pass
// prometheus.DefaultRegisterer for the global registry, or a fresh
// *prometheus.Registry in tests to avoid duplicate-registration panics).
func New(registerer prometheus.Registerer, opts ...Option) *Metrics {
	factory := promauto.With(registerer)
	m := &Metrics{
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pipekeeper_runs_total",
			Help: "Total Runs completed, by pipeline and terminal status.",
		}, []string{"pipeline", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipekeeper_run_duration_seconds",
			Help:    "Run wall-clock duration in seconds, by pipeline.",
			Buckets: prometheus.DefBuckets,
		}, []string{"pipeline"}),
		windows: make(map[string]*window),
		size:    defaultWindowSize,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record logs one completed Run's outcome: it increments the Prometheus
// counters and feeds the rolling window used by statsSummary.
func (m *Metrics) Record(pipelineName string, duration time.Duration, success bool) {
	status := "failed"
	if success {
		status = "success"
	}
	m.runsTotal.WithLabelValues(pipelineName, status).Inc()
	m.runDuration.WithLabelValues(pipelineName).Observe(duration.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[pipelineName]
	if !ok {
		w = &window{durations: make([]time.Duration, m.size)}
		m.windows[pipelineName] = w
	}
	w.durations[w.next] = duration
	w.next = (w.next + 1) % m.size
	if w.next == 0 {
		w.filled = true
	}
	if success {
		w.success++
	} else {
		w.failed++
	}
}

// SummaryFor returns the rolling-window execution stats for pipelineName,
// or ok=false if no Run has completed for it yet.
func (m *Metrics) SummaryFor(pipelineName string) (Summary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[pipelineName]
	if !ok {
		return Summary{}, false
	}

	n := w.next
	if w.filled {
		n = m.size
	}
	if n == 0 {
		return Summary{}, false
	}

	var sum time.Duration
	min, max := w.durations[0], w.durations[0]
	for i := 0; i < n; i++ {
		d := w.durations[i]
		sum += d
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return Summary{
		Count:   n,
		Min:     min,
		Max:     max,
		Avg:     sum / time.Duration(n),
		Success: w.success,
		Failed:  w.failed,
	}, true
}
