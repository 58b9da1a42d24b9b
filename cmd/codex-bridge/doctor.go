package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	"github.com/oy-ilho/jupyterlab-codex/pkg/preflight"
)

var (
	doctorNetwork bool
	doctorCatalog bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that codex and the bridge's directories are usable",
	RunE: func(cmd *cobra.Command, _ []string) error {
		resolver := agent.NewResolver()
		pcfg := preflight.Config{
			Quiet:        true,
			Command:      cfg.Agent.Command,
			Resolver:     resolver,
			CodexHome:    cfg.CodexHome,
			SessionDir:   cfg.Session.Dir,
			NotebookRoot: cfg.Server.NotebookRoot,
		}
		if doctorNetwork {
			pcfg.NetworkURL = "https://api.openai.com/"
		}
		checker := preflight.NewChecker(pcfg)
		if doctorCatalog {
			checker.Add(&catalogCheck{command: cfg.Agent.Command, resolver: resolver})
		}

		results := checker.Report(cmd.Context())
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		failed := 0
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.Level, r.Name, r.Message)
			if r.Level == preflight.LevelError {
				failed++
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d checks failed", failed)
		}
		return nil
	},
}

// catalogCheck runs the app-server handshake used for the model picker.
type catalogCheck struct {
	command  string
	resolver *agent.Resolver
}

func (c *catalogCheck) Name() string { return "model-catalog" }

func (c *catalogCheck) Run(ctx context.Context) preflight.CheckResult {
	models, err := newCatalog(cfg, c.resolver).Fetch(ctx, c.command)
	if err != nil {
		return preflight.CheckResult{
			Name:    c.Name(),
			Level:   preflight.LevelWarn,
			Message: "model list unavailable; the model picker will only offer defaults",
			Error:   err,
		}
	}
	return preflight.CheckResult{
		Name:    c.Name(),
		Level:   preflight.LevelInfo,
		Message: fmt.Sprintf("%d models available", len(models)),
	}
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorNetwork, "network", false, "Also check that the OpenAI API is reachable")
	doctorCmd.Flags().BoolVar(&doctorCatalog, "catalog", true, "Also run the model catalog handshake")
	rootCmd.AddCommand(doctorCmd)
}
