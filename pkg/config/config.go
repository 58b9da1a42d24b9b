// Package config loads the bridge configuration from a YAML file, environment
// overrides, and the codex CLI's own config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "JUPYTERLAB_CODEX_"

const (
	DefaultAddr    = "127.0.0.1:8765"
	configFileName = "codex-bridge.yaml"
)

// Config is the complete bridge configuration.
type Config struct {
	Version   string        `yaml:"version,omitempty"`
	CodexHome string        `yaml:"codex_home,omitempty"`
	Session   SessionConfig `yaml:"session"`
	Agent     AgentConfig   `yaml:"agent"`
	Catalog   CatalogConfig `yaml:"catalog"`
	Server    ServerConfig  `yaml:"server"`
	Log       LogConfig     `yaml:"log"`
	Redact    RedactConfig  `yaml:"redact"`
}

type SessionConfig struct {
	Dir           string         `yaml:"dir,omitempty"`
	Limits        session.Limits `yaml:",inline"`
	RetentionDays int            `yaml:"retention_days,omitempty"`
	PruneInterval time.Duration  `yaml:"prune_interval,omitempty"`
}

type AgentConfig struct {
	Command         string        `yaml:"command,omitempty"`
	Args            []string      `yaml:"args,omitempty"`
	Model           string        `yaml:"model,omitempty"`
	ReasoningEffort string        `yaml:"reasoning_effort,omitempty"`
	Sandbox         string        `yaml:"sandbox,omitempty"`
	TerminateGrace  time.Duration `yaml:"terminate_grace,omitempty"`
	MaxLineBytes    int           `yaml:"max_line_bytes,omitempty"`
}

type CatalogConfig struct {
	TTL     time.Duration `yaml:"ttl,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr,omitempty"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`
	// NotebookRoot resolves relative notebook paths to files on disk.
	NotebookRoot string `yaml:"notebook_root,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

type RedactConfig struct {
	Mode string   `yaml:"mode,omitempty"`
	Keys []string `yaml:"keys,omitempty"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() Config {
	return Config{
		Version: "1",
		Session: SessionConfig{
			Limits:        session.DefaultLimits(),
			RetentionDays: session.DefaultRetentionDays,
			PruneInterval: session.DefaultPruneInterval,
		},
		Server: ServerConfig{Addr: DefaultAddr},
		Log:    LogConfig{Level: "progress", Format: "console"},
		Redact: RedactConfig{Mode: "basic"},
	}
}

// DefaultPath returns ~/.jupyter/codex-bridge.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home: %w", err)
	}
	return filepath.Join(home, ".jupyter", configFileName), nil
}

// DefaultSessionDir returns ~/.jupyter/codex-sessions.
func DefaultSessionDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home: %w", err)
	}
	return filepath.Join(home, ".jupyter", "codex-sessions"), nil
}

// Load reads path over the defaults, applies environment overrides and fills
// derived paths. A missing file is only an error when explicit is set.
func Load(path string, explicit bool) (Config, error) {
	return load(path, explicit, os.Getenv)
}

func load(path string, explicit bool, getenv func(string) string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return Config{}, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.finalize(getenv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays JUPYTERLAB_CODEX_* variables.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(EnvPrefix + name)); v != "" {
			*dst = v
		}
	}
	num := func(name string, set func(int64)) error {
		raw := strings.TrimSpace(getenv(EnvPrefix + name))
		if raw == "" {
			return nil
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", EnvPrefix, name, raw, err)
		}
		set(n)
		return nil
	}

	str("SESSION_DIR", &cfg.Session.Dir)
	str("COMMAND", &cfg.Agent.Command)
	str("MODEL", &cfg.Agent.Model)
	str("REASONING_EFFORT", &cfg.Agent.ReasoningEffort)
	str("SANDBOX", &cfg.Agent.Sandbox)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("REDACT", &cfg.Redact.Mode)
	str("ADDR", &cfg.Server.Addr)
	str("NOTEBOOK_ROOT", &cfg.Server.NotebookRoot)
	if keys := strings.TrimSpace(getenv(EnvPrefix + "REDACT_KEYS")); keys != "" {
		cfg.Redact.Keys = splitList(keys)
	}

	return multierr.Combine(
		num("SESSION_MAX_MESSAGES", func(n int64) { cfg.Session.Limits.MaxMessages = int(n) }),
		num("SESSION_MAX_BYTES", func(n int64) { cfg.Session.Limits.MaxLogBytes = n }),
		num("SESSION_RETENTION_DAYS", func(n int64) { cfg.Session.RetentionDays = int(n) }),
	)
}

func (c *Config) finalize(getenv func(string) string) error {
	if c.Session.Dir == "" {
		dir, err := DefaultSessionDir()
		if err != nil {
			return err
		}
		c.Session.Dir = dir
	}
	home, err := detectCodexHome(c.CodexHome, getenv)
	if err != nil {
		return err
	}
	c.CodexHome = home
	return nil
}

// DetectCodexHome resolves the codex state dir: explicit, then $CODEX_HOME, then ~/.codex.
func DetectCodexHome(explicit string) (string, error) {
	return detectCodexHome(explicit, os.Getenv)
}

func detectCodexHome(explicit string, getenv func(string) string) (string, error) {
	if explicit != "" {
		return filepath.Clean(explicit), nil
	}
	if fromEnv := getenv("CODEX_HOME"); fromEnv != "" {
		return filepath.Clean(fromEnv), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".codex"), nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg Config) error {
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
