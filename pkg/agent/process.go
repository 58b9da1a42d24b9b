package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
	"sync"
	"time"
)

// DefaultTerminateGrace is how long a process gets between SIGTERM and SIGKILL.
const DefaultTerminateGrace = 2 * time.Second

// ProcessConfig describes a child process with piped stdio.
type ProcessConfig struct {
	Path string
	Args []string
	Dir  string
	Env  []string
	// Grace is the SIGTERM to SIGKILL window.
	Grace time.Duration
	// DiscardStderr drops stderr instead of exposing a pipe.
	DiscardStderr bool
}

// Process is a started child. Cancelling the start context terminates it;
// Wait must always be called to reap it.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	grace  time.Duration

	exited   chan struct{}
	waitOnce sync.Once
	termOnce sync.Once
	code     int
	waitErr  error
}

// StartProcess launches cfg. The child runs in its own process group on unix
// so termination reaches any helpers it spawned.
func StartProcess(ctx context.Context, cfg ProcessConfig) (*Process, error) {
	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	configureProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	var stderr io.ReadCloser
	if cfg.DiscardStderr {
		cmd.Stderr = io.Discard
	} else if stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
			return nil, &ExecutableNotFoundError{Requested: cfg.Path}
		}
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Path, err)
	}

	grace := cfg.Grace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	p := &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		grace:  grace,
		exited: make(chan struct{}),
	}

	go func() {
		select {
		case <-ctx.Done():
			p.Terminate()
		case <-p.exited:
		}
	}()
	return p, nil
}

func (p *Process) Stdin() io.WriteCloser { return p.stdin }
func (p *Process) Stdout() io.ReadCloser { return p.stdout }

// Stderr is nil when the process was started with DiscardStderr.
func (p *Process) Stderr() io.ReadCloser { return p.stderr }

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Terminate sends SIGTERM and escalates to SIGKILL after the grace period
// unless the process has been reaped by then. It does not block.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		select {
		case <-p.exited:
			return
		default:
		}
		_ = signalTerminate(p.cmd)
		go func() {
			timer := time.NewTimer(p.grace)
			defer timer.Stop()
			select {
			case <-p.exited:
			case <-timer.C:
				_ = signalKill(p.cmd)
			}
		}()
	})
}

// Wait reaps the process and returns its exit code. A nonzero exit is not an
// error; the error is reserved for failures to wait at all. Safe to call twice.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		err := p.cmd.Wait()
		close(p.exited)
		p.code, p.waitErr = exitStatus(err)
	})
	return p.code, p.waitErr
}

// Stop terminates the process and reaps it.
func (p *Process) Stop() (int, error) {
	_ = p.stdin.Close()
	p.Terminate()
	return p.Wait()
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
