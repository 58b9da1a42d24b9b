package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/oy-ilho/jupyterlab-codex/pkg/config"
	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

var (
	configPath string
	logLevel   string
	logFormat  string
	codexHome  string
)

// cfg is loaded once by the root command before any subcommand runs.
var cfg config.Config

var rootCmd = &cobra.Command{
	Use:   "codex-bridge",
	Short: "Bridge JupyterLab chat sessions to the codex CLI",
	Long: `codex-bridge connects a JupyterLab chat panel to the codex CLI.

It keeps one conversation per notebook, runs each turn as a codex
subprocess, and streams the results back to the browser over a WebSocket
or newline-delimited JSON on stdio.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// config init may point --config at a file that does not exist yet.
		explicit := cmd.Flags().Changed("config") && cmd != configInitCmd
		loaded, err := config.Load(configPath, explicit)
		if err != nil {
			return err
		}
		if codexHome != "" {
			loaded.CodexHome = codexHome
		}
		if cmd.Flags().Changed("log-level") || loaded.Log.Level == "" {
			loaded.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") || loaded.Log.Format == "" {
			loaded.Log.Format = logFormat
		}
		cfg = loaded

		level, ok := codexlog.ParseLevel(cfg.Log.Level)
		if !ok {
			return fmt.Errorf("invalid log level %q", cfg.Log.Level)
		}
		if err := codexlog.Init(codexlog.Config{Level: level, Format: cfg.Log.Format, Output: os.Stderr}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = codexlog.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to codex-bridge.yaml (default ~/.jupyter/codex-bridge.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "progress", "Log level: debug, info, progress, minimal, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", codexlog.FormatConsole, "Log format: console or json")
	rootCmd.PersistentFlags().StringVar(&codexHome, "codex-home", "", "codex state directory (default $CODEX_HOME or ~/.codex)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
