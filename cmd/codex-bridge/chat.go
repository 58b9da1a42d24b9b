package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/oy-ilho/jupyterlab-codex/pkg/serve"
	"github.com/oy-ilho/jupyterlab-codex/pkg/tui"
)

var (
	chatAddr     string
	chatNotebook string
	chatSession  string
	chatModel    string
	chatEffort   string
	chatSandbox  string
	chatCommand  string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with a running bridge from the terminal",
	Long: `Chat opens a terminal UI on a running "codex-bridge serve" instance.

It speaks the same WebSocket protocol as the JupyterLab panel, so the
conversation is shared with the notebook: history stored by the panel is
replayed here and turns sent here show up in the panel after a reload.

Set JUPYTERLAB_CODEX_TUI_TRACE_FILE to record every frame for debugging.`,
	Example: `  # Chat about a notebook through the local bridge
  codex-bridge chat -n analysis.ipynb

  # Connect to a bridge on another port
  codex-bridge chat -n analysis.ipynb --addr 127.0.0.1:9000`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		addr := cfg.Server.Addr
		if cmd.Flags().Changed("addr") {
			addr = chatAddr
		}
		wsURL, err := tui.BridgeURL(addr, serve.Route)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err := tui.Dial(dialCtx, wsURL)
		cancel()
		if err != nil {
			return fmt.Errorf("%w (is codex-bridge serve running?)", err)
		}

		return tui.Run(ctx, client, tui.Options{
			NotebookPath:    chatNotebook,
			SessionID:       chatSession,
			CommandPath:     chatCommand,
			Model:           chatModel,
			ReasoningEffort: chatEffort,
			Sandbox:         chatSandbox,
			Endpoint:        wsURL,
		}, tea.WithAltScreen())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatAddr, "addr", "", "Bridge address or URL (default from config)")
	chatCmd.Flags().StringVarP(&chatNotebook, "notebook", "n", "", "Notebook path relative to the server root")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Resume this session id")
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "Model override")
	chatCmd.Flags().StringVar(&chatEffort, "effort", "", "Reasoning effort override")
	chatCmd.Flags().StringVar(&chatSandbox, "sandbox", "", "Sandbox mode: read-only, workspace-write or danger-full-access")
	chatCmd.Flags().StringVar(&chatCommand, "command", "", "codex executable to run on the server")
	_ = chatCmd.MarkFlagRequired("notebook")
	rootCmd.AddCommand(chatCmd)
}
