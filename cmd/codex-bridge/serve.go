package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/serve"
)

var (
	serveAddr           string
	serveStdio          bool
	serveNotebookRoot   string
	serveAllowedOrigins []string
	serveCommand        string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JupyterLab clients",
	Long: `Serve JupyterLab chat clients.

By default the bridge listens for WebSocket connections on /codex/ws.
With --stdio it serves a single client speaking newline-delimited JSON
on stdin and stdout; logs always go to stderr.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr = serveAddr
		}
		if cmd.Flags().Changed("notebook-root") {
			cfg.Server.NotebookRoot = serveNotebookRoot
		}
		if cmd.Flags().Changed("allowed-origin") {
			cfg.Server.AllowedOrigins = serveAllowedOrigins
		}
		if cmd.Flags().Changed("command") {
			cfg.Agent.Command = serveCommand
		}

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		srv, err := serve.New(serve.Config{
			Store:          a.store,
			Runs:           a.runs,
			Catalog:        a.catalog,
			RateLimits:     a.rateLimits,
			CLIDefaults:    a.cliDefaults,
			Command:        cfg.Agent.Command,
			NotebookRoot:   cfg.Server.NotebookRoot,
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go pruneLoop(ctx, a)

		if serveStdio {
			codexlog.Info("serving stdio", "session_dir", cfg.Session.Dir)
			return srv.ServeStdio(ctx, os.Stdin, os.Stdout)
		}
		codexlog.Progress("codex bridge ready", "addr", cfg.Server.Addr, "session_dir", cfg.Session.Dir)
		return srv.ListenAndServe(ctx, cfg.Server.Addr)
	},
}

// pruneLoop sweeps expired sessions on the store's prune interval.
func pruneLoop(ctx context.Context, a *app) {
	interval := a.cfg.Session.PruneInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := a.store.PruneExpired(false); err != nil {
			codexlog.Warn("session prune failed", "error", err)
		} else if n > 0 {
			codexlog.Info("pruned expired sessions", "count", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default 127.0.0.1:8765)")
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "Serve one client over stdin/stdout instead of listening")
	serveCmd.Flags().StringVar(&serveNotebookRoot, "notebook-root", "", "Directory that relative notebook paths resolve against")
	serveCmd.Flags().StringSliceVar(&serveAllowedOrigins, "allowed-origin", nil, "Extra browser origins allowed to connect (repeatable, * for any)")
	serveCmd.Flags().StringVar(&serveCommand, "command", "", "codex executable used when a client names none")
	rootCmd.AddCommand(serveCmd)
}
