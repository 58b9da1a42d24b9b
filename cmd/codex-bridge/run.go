package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/oy-ilho/jupyterlab-codex/pkg/attachment"
	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
	"github.com/oy-ilho/jupyterlab-codex/pkg/run"
)

var (
	runNotebook  string
	runSession   string
	runModel     string
	runEffort    string
	runSandbox   string
	runCommand   string
	runImages    []string
	runSelection string
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Run one turn against a notebook without a browser",
	Long: `Run one chat turn against a notebook and print the reply.

The message is taken from the arguments, or from stdin when none are given.
Pass --session to continue an existing conversation; the id the turn ended
with is printed to stderr. With --json every protocol message is printed
to stdout as it would be sent to a browser.

Examples:
  codex-bridge run --notebook analysis.ipynb "explain the last cell"
  echo "add a docstring" | codex-bridge run --notebook model.py --session 7f1c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")
		if content == "" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read message from stdin: %w", err)
			}
			content = string(data)
		}

		images, err := loadImages(runImages)
		if err != nil {
			return err
		}
		if runCommand != "" {
			cfg.Agent.Command = runCommand
		}
		notebookPath, err := filepath.Abs(runNotebook)
		if err != nil {
			return fmt.Errorf("failed to resolve notebook path: %w", err)
		}
		// Absolute notebook paths resolve on their own.
		cfg.Server.NotebookRoot = ""

		a, err := newApp(cfg)
		if err != nil {
			return err
		}

		printer := &turnPrinter{out: cmd.OutOrStdout(), errOut: cmd.ErrOrStderr(), raw: runJSON}
		res, err := a.runs.Run(cmd.Context(), run.Request{
			SessionID:       runSession,
			NotebookPath:    notebookPath,
			Content:         content,
			Model:           runModel,
			ReasoningEffort: runEffort,
			Sandbox:         runSandbox,
			Selection:       runSelection,
			Images:          run.EncodeImages(images),
		}, printer)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.SessionID)
		if printer.failed {
			return errors.New("turn failed")
		}
		if res.ExitCode != nil && *res.ExitCode != 0 {
			return fmt.Errorf("codex exited with code %d", *res.ExitCode)
		}
		return nil
	},
}

// turnPrinter renders protocol messages for a terminal.
type turnPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	raw    bool
	failed bool
}

func (p *turnPrinter) Emit(msg any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := msg.(protocol.Error); ok {
		p.failed = true
		if !p.raw {
			fmt.Fprintf(p.errOut, "error: %s\n", e.Message)
			if e.SuggestedCommandPath != "" {
				fmt.Fprintf(p.errOut, "hint: rerun with --command %s\n", e.SuggestedCommandPath)
			}
		}
	}
	if p.raw {
		data, err := json.Marshal(msg)
		if err == nil {
			fmt.Fprintf(p.out, "%s\n", data)
		}
		return
	}

	switch m := msg.(type) {
	case protocol.Output:
		if m.Role == "assistant" {
			fmt.Fprintln(p.out, m.Text)
		} else {
			fmt.Fprintf(p.errOut, "[%s] %s\n", m.Role, m.Text)
		}
	case protocol.Status:
		if m.SessionResolutionNotice != "" {
			fmt.Fprintln(p.errOut, m.SessionResolutionNotice)
		}
	case protocol.Done:
		if m.FileChanged {
			fmt.Fprintln(p.errOut, "notebook changed on disk")
		}
	}
}

// loadImages reads image files into attachments.
func loadImages(paths []string) ([]attachment.Image, error) {
	images := make([]attachment.Image, 0, len(paths))
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read image: %w", err)
		}
		mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
		if mimeType == "" {
			mimeType = http.DetectContentType(data)
		}
		images = append(images, attachment.Image{
			Name:    filepath.Base(path),
			DataURL: "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data),
		})
	}
	return images, nil
}

func init() {
	runCmd.Flags().StringVarP(&runNotebook, "notebook", "n", "", "Notebook (.ipynb or .py) the turn works on")
	runCmd.Flags().StringVarP(&runSession, "session", "s", "", "Session id to continue")
	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model override")
	runCmd.Flags().StringVar(&runEffort, "effort", "", "Reasoning effort override")
	runCmd.Flags().StringVar(&runSandbox, "sandbox", "", "Sandbox mode: read-only, workspace-write or danger-full-access")
	runCmd.Flags().StringVar(&runCommand, "command", "", "codex executable")
	runCmd.Flags().StringSliceVarP(&runImages, "image", "i", nil, "Image file to attach (repeatable)")
	runCmd.Flags().StringVar(&runSelection, "selection", "", "Code selection to include as context")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print protocol messages as JSON lines")
	_ = runCmd.MarkFlagRequired("notebook")
	rootCmd.AddCommand(runCmd)
}
