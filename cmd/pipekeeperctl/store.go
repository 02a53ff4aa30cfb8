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

package main

import (
	"context"

	"github.com/pipekeeper/pipekeeper/internal/config"
	"github.com/pipekeeper/pipekeeper/internal/store"
	"github.com/pipekeeper/pipekeeper/internal/store/memory"
	"github.com/pipekeeper/pipekeeper/internal/store/postgres"
	"github.com/pipekeeper/pipekeeper/internal/store/sqlite"
)

// openStore mirrors pipekeeperd's backend selection so the CLI reads and
// writes the exact same durable state the worker daemon does.
func openStore(ctx context.Context, cfg config.BackendConfig) (store.Store, error) {
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(sqlite.Config{Path: cfg.SQLitePath, WAL: true})
	case "postgres":
		return postgres.New(ctx, postgres.Config{ConnectionString: cfg.PostgresDSN})
	default:
		return memory.New(), nil
	}
}
