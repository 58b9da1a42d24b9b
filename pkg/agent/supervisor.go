// Package agent runs the codex CLI as a subprocess, one process per turn, and
// turns its line-delimited JSON output into typed events.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

const (
	// DefaultMaxLineBytes bounds a single unterminated stdout line.
	DefaultMaxLineBytes = 1 << 20

	stderrChunkBytes = 64 << 10
)

// ErrLineTooLong is returned when the agent writes a stdout line larger than the limit.
var ErrLineTooLong = errors.New("agent output line exceeds limit")

// Options configures one exec-mode invocation.
type Options struct {
	// Executable is the configured command; empty means "codex".
	Executable string
	// BaseArgs replaces DefaultExecArgs, e.g. for a mock agent.
	BaseArgs        []string
	Model           string
	ReasoningEffort string
	Sandbox         string
	ImagePaths      []string
	WorkingDir      string
	// ResumeThreadID asks the agent to continue an existing thread.
	ResumeThreadID string
	// Env defaults to the server's environment.
	Env []string
}

// Config tunes a Supervisor.
type Config struct {
	TerminateGrace time.Duration
	MaxLineBytes   int
	Resolver       *Resolver
}

// Supervisor spawns agent processes.
type Supervisor struct {
	grace    time.Duration
	maxLine  int
	resolver *Resolver
}

// NewSupervisor returns a Supervisor with defaults applied.
func NewSupervisor(cfg Config) *Supervisor {
	s := &Supervisor{
		grace:    cfg.TerminateGrace,
		maxLine:  cfg.MaxLineBytes,
		resolver: cfg.Resolver,
	}
	if s.grace <= 0 {
		s.grace = DefaultTerminateGrace
	}
	if s.maxLine <= 0 {
		s.maxLine = DefaultMaxLineBytes
	}
	if s.resolver == nil {
		s.resolver = NewResolver()
	}
	return s
}

// Resolver returns the executable resolver used by the supervisor.
func (s *Supervisor) Resolver() *Resolver {
	return s.resolver
}

// Run executes one turn: the prompt goes to stdin, stdout lines and stderr
// chunks are delivered to onEvent, and the exit code is returned once both
// pumps have drained and the process has been reaped. onEvent is never called
// concurrently.
//
// Cancelling ctx terminates the process and yields ctx.Err(). A missing
// executable yields *ExecutableNotFoundError; a nonzero exit is not an error.
func (s *Supervisor) Run(ctx context.Context, prompt string, opts Options, onEvent func(Event)) (int, error) {
	exe, err := s.resolver.Resolve(opts.Executable, opts.WorkingDir)
	if err != nil {
		return -1, err
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := BuildArgs(opts)
	codexlog.Debug("starting agent", "path", exe, "args", args, "dir", opts.WorkingDir)

	proc, err := StartProcess(runCtx, ProcessConfig{
		Path:  exe,
		Args:  args,
		Dir:   opts.WorkingDir,
		Env:   env,
		Grace: s.grace,
	})
	if err != nil {
		var notFound *ExecutableNotFoundError
		if errors.As(err, &notFound) {
			notFound.Requested = opts.Executable
			notFound.Suggested = s.resolver.Suggest()
		}
		return -1, err
	}

	var mu sync.Mutex
	emit := func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		onEvent(ev)
	}

	var g errgroup.Group
	g.Go(func() error {
		writePrompt(proc.Stdin(), prompt)
		return nil
	})
	g.Go(func() error {
		err := pumpStdout(proc.Stdout(), s.maxLine, emit)
		if err != nil {
			// Stop the child; the stderr pump ends once its pipe closes.
			cancel()
		}
		return err
	})
	g.Go(func() error {
		return pumpStderr(proc.Stderr(), emit)
	})

	pumpErr := g.Wait()
	code, waitErr := proc.Wait()
	codexlog.Debug("agent exited", "pid", proc.Pid(), "exit_code", code)

	switch {
	case ctx.Err() != nil:
		return code, ctx.Err()
	case pumpErr != nil:
		return code, pumpErr
	case waitErr != nil:
		return code, fmt.Errorf("failed to wait for agent: %w", waitErr)
	}
	return code, nil
}

func writePrompt(w io.WriteCloser, prompt string) {
	if _, err := io.WriteString(w, prompt+"\n"); err != nil {
		// The agent may exit before reading its input; its exit code tells the story.
		codexlog.Debug("failed to write prompt to agent", "error", err)
	}
	if err := w.Close(); err != nil {
		codexlog.Debug("failed to close agent stdin", "error", err)
	}
}

// pumpStdout frames stdout into lines and decodes each one.
func pumpStdout(r io.Reader, maxLine int, emit func(Event)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		emit(DecodeLine(line))
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("%w of %d bytes", ErrLineTooLong, maxLine)
		}
		if errors.Is(err, os.ErrClosed) {
			return nil
		}
		return fmt.Errorf("failed to read agent output: %w", err)
	}
	return nil
}

// pumpStderr forwards stderr line by line, splitting very long lines into chunks.
func pumpStderr(r io.Reader, emit func(Event)) error {
	if r == nil {
		return nil
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), stderrChunkBytes)
	scanner.Split(splitChunks(stderrChunkBytes))
	for scanner.Scan() {
		emit(Event{Kind: KindStderr, Text: scanner.Text()})
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("failed to read agent stderr: %w", err)
	}
	return nil
}

// splitChunks yields newline-terminated lines, or limit-sized pieces of longer ones.
func splitChunks(limit int) bufio.SplitFunc {
	return func(data []byte, atEOF bool) (int, []byte, error) {
		if i := bytes.IndexByte(data, '\n'); i >= 0 {
			return i + 1, data[:i+1], nil
		}
		if len(data) >= limit {
			return limit, data[:limit], nil
		}
		if atEOF && len(data) > 0 {
			return len(data), data, nil
		}
		return 0, nil, nil
	}
}
