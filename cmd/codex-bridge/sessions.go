package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	sessionsNotebook string
	sessionsAll      bool
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, most recent first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		metas, err := store.List()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tUPDATED\tNOTEBOOK")
		for _, m := range metas {
			if sessionsNotebook != "" && m.NotebookPath != sessionsNotebook && m.NotebookOSPath != sessionsNotebook {
				continue
			}
			notebook := m.NotebookPath
			if notebook == "" {
				notebook = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.SessionID, formatTime(m.UpdatedAt), notebook)
		}
		return w.Flush()
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's metadata and messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		meta, err := store.Metadata(args[0])
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("session %s not found", args[0])
		}
		msgs, err := store.Load(args[0])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "session:  %s\n", meta.SessionID)
		fmt.Fprintf(out, "notebook: %s\n", meta.NotebookPath)
		if meta.PairedPath != "" {
			fmt.Fprintf(out, "paired:   %s\n", meta.PairedPath)
		}
		fmt.Fprintf(out, "created:  %s\n", formatTime(meta.CreatedAt))
		fmt.Fprintf(out, "updated:  %s\n", formatTime(meta.UpdatedAt))
		for _, m := range msgs {
			fmt.Fprintf(out, "\n[%s] %s\n", m.Role, formatTime(m.Timestamp))
			if m.UI != nil && m.UI.SelectionPreview != nil {
				fmt.Fprintf(out, "(selection: %s)\n", m.UI.SelectionPreview.LocationLabel)
			}
			fmt.Fprintln(out, m.Content)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id...]",
	Short: "Delete sessions by id, or every session with --all",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sessionsAll == (len(args) > 0) {
			return fmt.Errorf("pass session ids or --all, not both")
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		if sessionsAll {
			deleted, failed := store.DeleteAll()
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d sessions\n", deleted)
			if failed > 0 {
				return fmt.Errorf("failed to delete %d sessions", failed)
			}
			return nil
		}
		for _, id := range args {
			if err := store.Delete(id); err != nil {
				return fmt.Errorf("failed to delete %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", id)
		}
		return nil
	},
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove sessions idle longer than the retention window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		n, err := store.PruneExpired(true)
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d sessions\n", n)
		return err
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsNotebook, "notebook", "", "Only sessions recorded for this notebook path")
	sessionsDeleteCmd.Flags().BoolVar(&sessionsAll, "all", false, "Delete every stored session")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}
