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
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pipekeeper/pipekeeper/internal/engine"
	"github.com/pipekeeper/pipekeeper/pkg/pipeline"
	"github.com/pipekeeper/pipekeeper/pipelines"
)

func newGetCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a Run's status and per-step detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := openStore(ctx, cfg.Backend)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := pipeline.NewRegistry()
			if err := pipelines.RegisterAll(ctx, st, reg); err != nil {
				return err
			}

			svc := engine.NewService(st, reg, nil)
			view, err := svc.GetRun(ctx, args[0])
			if err != nil {
				return err
			}

			pipelineName := view.Run.PipelineID
			if view.Pipeline != nil {
				pipelineName = view.Pipeline.Name
			}
			fmt.Printf("run %s  pipeline=%s  status=%s  triggeredBy=%s\n",
				view.Run.ID, pipelineName, view.Run.Status, view.Run.TriggeredBy)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STEP\tSTATUS\tATTEMPTS\tERROR")
			for _, s := range view.Steps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.Name, s.Status, s.AttemptCount, s.Error)
			}
			return w.Flush()
		},
	}
}
