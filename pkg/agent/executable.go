package agent

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultCommand is the agent executable looked up when none is configured.
const DefaultCommand = "codex"

// ErrExecutableNotFound is wrapped by ExecutableNotFoundError.
var ErrExecutableNotFound = errors.New("executable not found")

// ExecutableNotFoundError reports a missing agent binary and, when one could
// be found elsewhere, a path the user can configure instead.
type ExecutableNotFoundError struct {
	Requested string
	Suggested string
}

func (e *ExecutableNotFoundError) Error() string {
	label := e.Requested
	if label == "" {
		label = DefaultCommand
	}
	if e.Suggested != "" {
		return fmt.Sprintf("Cannot find executable '%s'. Detected server-side path: %s. Set this path in settings and retry.", label, e.Suggested)
	}
	return fmt.Sprintf("Cannot find executable '%s'. Run `which %s` in terminal and paste the output path into settings.", label, DefaultCommand)
}

func (e *ExecutableNotFoundError) Unwrap() error {
	return ErrExecutableNotFound
}

// Resolver locates the agent executable.
type Resolver struct {
	// FallbackDirs are searched, in order, when a bare name is not on PATH.
	FallbackDirs []string
	// LookPath defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// DefaultFallbackDirs returns the well-known install locations of the codex CLI.
func DefaultFallbackDirs() []string {
	home, _ := os.UserHomeDir()
	var dirs []string
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".npm-global", "bin"),
		)
	}
	dirs = append(dirs, "/usr/local/bin", "/opt/homebrew/bin")
	if home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".volta", "bin"),
			filepath.Join(home, ".bun", "bin"),
		)
	}
	return dirs
}

// NewResolver returns a Resolver using PATH and the default fallback locations.
func NewResolver() *Resolver {
	return &Resolver{FallbackDirs: DefaultFallbackDirs()}
}

// Resolve maps requested to an executable path. Absolute paths are used as is,
// paths with a separator are taken relative to workDir, and bare names are
// searched on PATH and then in the fallback locations.
func (r *Resolver) Resolve(requested, workDir string) (string, error) {
	name := strings.TrimSpace(requested)
	if name == "" {
		name = DefaultCommand
	}

	switch {
	case filepath.IsAbs(name):
		if isExecutable(name) {
			return name, nil
		}
	case strings.ContainsAny(name, `/\`):
		base := workDir
		if base == "" {
			base, _ = os.Getwd()
		}
		candidate := filepath.Join(base, name)
		if isExecutable(candidate) {
			return candidate, nil
		}
	default:
		if path, err := r.lookPath(name); err == nil {
			return path, nil
		}
		if path := r.searchFallbacks(name); path != "" {
			return path, nil
		}
	}

	return "", &ExecutableNotFoundError{Requested: requested, Suggested: r.Suggest()}
}

// Suggest returns a usable codex path from PATH or the fallback locations.
func (r *Resolver) Suggest() string {
	if path, err := r.lookPath(DefaultCommand); err == nil {
		return path
	}
	return r.searchFallbacks(DefaultCommand)
}

func (r *Resolver) lookPath(name string) (string, error) {
	if r.LookPath != nil {
		return r.LookPath(name)
	}
	return exec.LookPath(name)
}

func (r *Resolver) searchFallbacks(name string) string {
	for _, dir := range r.FallbackDirs {
		candidate := filepath.Join(dir, name)
		if isExecutable(candidate) {
			return candidate
		}
	}
	return ""
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode().Perm()&0o111 != 0
}
