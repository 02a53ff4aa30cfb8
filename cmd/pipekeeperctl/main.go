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

// Command pipekeeperctl is the operator CLI: it opens the same Store a
// worker daemon uses and exercises the four core Service operations
// (TriggerRun, ListPipelines, GetRun, RetryRun) directly. It does not go
// through an HTTP/RPC façade — a façade, if deployed, would itself call into
// Service the same way.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipekeeper/pipekeeper/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "pipekeeperctl",
		Short:   "Operator CLI for the Pipekeeper job-execution engine",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	root.AddCommand(newTriggerCommand(&configPath))
	root.AddCommand(newListCommand(&configPath))
	root.AddCommand(newGetCommand(&configPath))
	root.AddCommand(newRetryCommand(&configPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
