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

func newListCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered pipeline catalog with rolling execution stats",
		Args:  cobra.NoArgs,
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
			summaries, err := svc.ListPipelines(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tDESCRIPTION\tRUNS\tSUCCESS\tFAILED\tAVG")
			for _, s := range summaries {
				if !s.HasStatsSummary {
					fmt.Fprintf(w, "%s\t%s\t-\t-\t-\t-\n", s.Name, s.Description)
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
					s.Name, s.Description, s.StatsSummary.Count,
					s.StatsSummary.Success, s.StatsSummary.Failed, s.StatsSummary.Avg)
			}
			return w.Flush()
		},
	}
}
