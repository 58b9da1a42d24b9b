// Package preflight checks that the host can run the bridge: the codex
// executable, its credentials, and the directories the bridge writes to.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/pathutil"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents execution
	LevelError CheckLevel = iota
	// LevelWarn indicates a warning that should be addressed but doesn't block execution
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

func (l CheckLevel) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarn:
		return "warn"
	default:
		return "ok"
	}
}

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks []Check
	quiet  bool
}

// Config configures the preflight checker
type Config struct {
	// Quiet suppresses info-level messages
	Quiet bool
	// Command is the codex executable to resolve; empty means "codex".
	Command  string
	Resolver *agent.Resolver
	// CodexHome is searched for stored credentials.
	CodexHome string
	// SessionDir must be writable; it is created when missing.
	SessionDir string
	// NotebookRoot, when set, must be an existing directory.
	NotebookRoot string
	// NetworkURL enables a reachability probe.
	NetworkURL string
}

// NewChecker creates a new preflight checker with the given configuration
func NewChecker(cfg Config) *Checker {
	c := &Checker{quiet: cfg.Quiet}

	c.checks = append(c.checks, &ExecutableCheck{Command: cfg.Command, Resolver: cfg.Resolver})
	c.checks = append(c.checks, &AuthCheck{CodexHome: cfg.CodexHome})
	if cfg.SessionDir != "" {
		c.checks = append(c.checks,
			&DirectoryCheck{Label: "session-dir", Path: cfg.SessionDir, Create: true, Writable: true},
			&DiskSpaceCheck{Path: cfg.SessionDir},
		)
	}
	if cfg.NotebookRoot != "" {
		c.checks = append(c.checks, &DirectoryCheck{Label: "notebook-root", Path: cfg.NotebookRoot, WarnOnRoot: true})
	}
	if cfg.NetworkURL != "" {
		c.checks = append(c.checks, &NetworkCheck{URL: cfg.NetworkURL})
	}
	return c
}

// Add appends extra checks.
func (c *Checker) Add(checks ...Check) {
	c.checks = append(c.checks, checks...)
}

// Report runs every check and returns the results in order.
func (c *Checker) Report(ctx context.Context) []CheckResult {
	results := make([]CheckResult, 0, len(c.checks))
	for _, check := range c.checks {
		results = append(results, check.Run(ctx))
	}
	return results
}

// Run executes all registered checks and returns an error if any critical checks fail
func (c *Checker) Run(ctx context.Context) error {
	codexlog.Progress("running preflight checks")

	var errs []string
	warnings := 0
	for _, result := range c.Report(ctx) {
		switch result.Level {
		case LevelError:
			codexlog.Error("preflight check failed", "check", result.Name, "message", result.Message)
			if result.Error != nil {
				errs = append(errs, fmt.Sprintf("%s: %s (%v)", result.Name, result.Message, result.Error))
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", result.Name, result.Message))
			}
		case LevelWarn:
			codexlog.Warn("preflight check warning", "check", result.Name, "message", result.Message)
			warnings++
		case LevelInfo:
			if !c.quiet {
				codexlog.Info("preflight check", "check", result.Name, "message", result.Message)
			}
		}
	}

	if warnings > 0 {
		codexlog.Info("preflight warnings", "count", warnings)
	}
	if len(errs) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	codexlog.Progress("preflight checks passed")
	return nil
}

// ExecutableCheck resolves the codex executable and asks it for its version.
type ExecutableCheck struct {
	Command  string
	Resolver *agent.Resolver
}

func (c *ExecutableCheck) Name() string {
	return "codex"
}

func (c *ExecutableCheck) Run(ctx context.Context) CheckResult {
	resolver := c.Resolver
	if resolver == nil {
		resolver = agent.NewResolver()
	}
	path, err := resolver.Resolve(c.Command, "")
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: err.Error(),
			Error:   err,
		}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(checkCtx, path, "--version").Output()
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: fmt.Sprintf("%s found but `--version` failed", path),
			Error:   err,
		}
	}

	version := strings.TrimSpace(string(out))
	if version == "" {
		version = "unknown version"
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%s (%s)", path, version),
	}
}

// AuthCheck looks for codex credentials in CODEX_HOME or the environment.
type AuthCheck struct {
	CodexHome string
}

func (c *AuthCheck) Name() string {
	return "codex-auth"
}

func (c *AuthCheck) Run(ctx context.Context) CheckResult {
	for _, env := range []string{"CODEX_API_KEY", "OPENAI_API_KEY"} {
		if os.Getenv(env) != "" {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelInfo,
				Message: fmt.Sprintf("API key available via %s", env),
			}
		}
	}
	if c.CodexHome != "" {
		authPath := filepath.Join(c.CodexHome, "auth.json")
		if info, err := os.Stat(authPath); err == nil && info.Mode().IsRegular() {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelInfo,
				Message: fmt.Sprintf("credentials stored in %s", authPath),
			}
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelWarn,
		Message: "no codex credentials found; run `codex login` in a terminal",
	}
}

// DirectoryCheck checks that a directory exists and, optionally, is writable.
type DirectoryCheck struct {
	Label string
	Path  string

	// Create makes a missing directory instead of failing.
	Create     bool
	Writable   bool
	WarnOnRoot bool
}

func (c *DirectoryCheck) Name() string {
	return c.Label
}

func (c *DirectoryCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Path)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("failed to resolve path: %s", c.Path),
			Error:   err,
		}
	}

	info, err := os.Stat(absPath)
	switch {
	case errors.Is(err, os.ErrNotExist) && c.Create:
		if err := os.MkdirAll(absPath, 0o700); err != nil {
			return CheckResult{
				Name:    c.Name(),
				Level:   LevelError,
				Message: fmt.Sprintf("cannot create directory: %s", absPath),
				Error:   err,
			}
		}
	case errors.Is(err, os.ErrNotExist):
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("directory does not exist: %s", absPath),
			Error:   err,
		}
	case err != nil:
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("cannot access directory: %s", absPath),
			Error:   err,
		}
	case !info.IsDir():
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("not a directory: %s", absPath),
			Error:   errors.New("not a directory"),
		}
	}

	if c.WarnOnRoot && pathutil.IsFilesystemRoot(absPath) {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: fmt.Sprintf("%s is the filesystem root; clients can reach any file", absPath),
		}
	}

	if !c.Writable {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelInfo,
			Message: fmt.Sprintf("directory is accessible: %s", absPath),
		}
	}

	f, err := os.CreateTemp(absPath, ".codex-bridge-write-test-*")
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelError,
			Message: fmt.Sprintf("directory is not writable: %s", absPath),
			Error:   err,
		}
	}
	f.Close()
	_ = os.Remove(f.Name())

	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("directory is writable: %s", absPath),
	}
}

// NetworkCheck performs a basic network connectivity check
// This is best-effort and may not catch all network issues
type NetworkCheck struct {
	URL string
}

func (c *NetworkCheck) Name() string {
	return "network"
}

func (c *NetworkCheck) Run(ctx context.Context) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, c.URL, nil)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: "failed to create network check request",
			Error:   err,
		}
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: fmt.Sprintf("cannot reach %s; codex turns will fail without network access", c.URL),
			Error:   err,
		}
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		codexlog.Debug("failed to drain response body", "error", err)
	}

	// Any HTTP answer proves connectivity; API hosts reply 401/404 to a bare HEAD.
	if resp.StatusCode >= 500 {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: fmt.Sprintf("network check returned unexpected status: %d", resp.StatusCode),
			Error:   fmt.Errorf("HTTP %d", resp.StatusCode),
		}
	}

	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%s is reachable", c.URL),
	}
}

// DiskSpaceCheck warns when the filesystem holding Path is nearly full.
type DiskSpaceCheck struct {
	Path string
	// MinBytes defaults to 64 MiB.
	MinBytes uint64
}

const defaultMinFreeBytes = 64 << 20

func (c *DiskSpaceCheck) Name() string {
	return "disk-space"
}

func (c *DiskSpaceCheck) Run(ctx context.Context) CheckResult {
	path := c.Path
	if path == "" {
		path = os.TempDir()
	}
	min := c.MinBytes
	if min == 0 {
		min = defaultMinFreeBytes
	}

	free, err := freeBytes(path)
	if err != nil {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: "cannot determine free disk space",
			Error:   err,
		}
	}
	if free < min {
		return CheckResult{
			Name:    c.Name(),
			Level:   LevelWarn,
			Message: fmt.Sprintf("low disk space: %d MiB free at %s", free>>20, path),
		}
	}
	return CheckResult{
		Name:    c.Name(),
		Level:   LevelInfo,
		Message: fmt.Sprintf("%d MiB free at %s", free>>20, path),
	}
}
