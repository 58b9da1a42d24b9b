package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	"github.com/oy-ilho/jupyterlab-codex/pkg/catalog"
	"github.com/oy-ilho/jupyterlab-codex/pkg/config"
)

var (
	modelsCommand string
	modelsJSON    bool
	modelsRefresh bool
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models the codex CLI offers",
	RunE: func(cmd *cobra.Command, _ []string) error {
		command := modelsCommand
		if command == "" {
			command = cfg.Agent.Command
		}
		client := newCatalog(cfg, agent.NewResolver())
		var models []catalog.Model
		if modelsRefresh {
			// A direct fetch surfaces handshake errors that ListModels swallows.
			fetched, err := client.Fetch(cmd.Context(), command)
			if err != nil {
				return err
			}
			models = fetched
		} else {
			models = client.ListModels(cmd.Context(), command, false)
		}
		if len(models) == 0 {
			return fmt.Errorf("no models reported; rerun with --refresh to see why")
		}

		if modelsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(models)
		}

		defaults := config.LoadCLIDefaults(cfg.CodexHome, cfg.Agent)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tNAME\tEFFORTS\tDEFAULT")
		for _, m := range models {
			mark := ""
			if m.ID == defaults.Model {
				mark = "*"
			}
			fmt.Fprintf(w, "%s%s\t%s\t%s\t%s\n", m.ID, mark, m.DisplayName,
				strings.Join(m.SupportedReasoningEfforts, ","), m.DefaultReasoningEffort)
		}
		return w.Flush()
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsCommand, "command", "", "codex executable to query")
	modelsCmd.Flags().BoolVar(&modelsRefresh, "refresh", false, "Bypass the catalog cache and report handshake errors")
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print the catalog as JSON")
	rootCmd.AddCommand(modelsCmd)
}
