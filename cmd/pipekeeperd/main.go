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

// Command pipekeeperd is the worker daemon: it loads the pipeline catalog,
// claims pending Runs, executes them, and recovers Runs abandoned by a
// crashed worker. Multiple instances may run against the same Store
// concurrently; ClaimOnePendingRun's atomic FIFO claim is what makes that
// safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"

	"github.com/pipekeeper/pipekeeper/internal/claimer"
	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/metrics"
	"github.com/pipekeeper/pipekeeper/internal/obslog"
	"github.com/pipekeeper/pipekeeper/internal/recovery"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/internal/store/memory"
	"github.com/pipekeeper/pipekeeper/internal/store/postgres"
	"github.com/pipekeeper/pipekeeper/internal/store/sqlite"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
	"github.com/pipekeeper/pipekeeper/pipelines"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML config file")
		backendType = flag.String("backend", "", "Storage backend (memory, sqlite, postgres)")
		sqlitePath  = flag.String("sqlite-path", "", "SQLite database path")
		postgresDSN = flag.String("postgres-dsn", "", "PostgreSQL connection string")
		metricsAddr = flag.String("metrics-addr", ":9090", "Address to serve /metrics on; empty disables it")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("pipekeeperd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *backendType != "" {
		cfg.Backend.Type = *backendType
	}
	if *sqlitePath != "" {
		cfg.Backend.SQLitePath = *sqlitePath
	}
	if *postgresDSN != "" {
		cfg.Backend.PostgresDSN = *postgresDSN
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := obslog.New(obslog.Config{
		Level:     obslog.ParseLevel(cfg.Log.Level),
		Format:    obslog.Format(cfg.Log.Format),
		AddSource: cfg.Log.AddSource,
	})
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := buildStore(ctx, cfg.Backend)
	if err != nil {
		logger.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry := pipeline.NewRegistry()
	if err := pipelines.RegisterAll(ctx, st, registry); err != nil {
		logger.Error("failed to register pipelines", "error", err)
		os.Exit(1)
	}
	logger.Info("pipelines registered", "count", len(registry.List()))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", *metricsAddr)
	}

	cl := claimer.New(claimer.Config{
		Store:           st,
		Registry:        registry,
		Metrics:         m,
		Logger:          logger,
		PollIntervalMin: cfg.Claimer.PollIntervalMin,
		PollIntervalMax: cfg.Claimer.PollIntervalMax,
	})
	rec := recovery.New(recovery.Config{
		Store:        st,
		Registry:     registry,
		Metrics:      m,
		Logger:       logger,
		ScanInterval: cfg.Recovery.ScanInterval,
		StaleAfter:   cfg.Recovery.StaleAfter,
	})

	cl.Start(ctx)
	rec.Start(ctx)
	logger.Info("pipekeeperd started", "backend", cfg.Backend.Type)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig.String())

	cancel()
	cl.Stop()
	rec.Stop()
	logger.Info("pipekeeperd stopped")
}

func buildStore(ctx context.Context, cfg config.BackendConfig) (store.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
	case "postgres":
		return postgres.New(ctx, postgres.Config{ConnectionString: cfg.PostgresDSN})
	default:
		return memory.New(), nil
	}
}
