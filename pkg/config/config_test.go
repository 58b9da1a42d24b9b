package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")
	cfg, err := load(path, false, envMap(map[string]string{"CODEX_HOME": "/opt/codex"}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}
	if cfg.Session.Limits != session.DefaultLimits() {
		t.Errorf("Limits = %+v", cfg.Session.Limits)
	}
	if cfg.Session.RetentionDays != 30 || cfg.Server.Addr != DefaultAddr || cfg.CodexHome != "/opt/codex" {
		t.Errorf("cfg = %+v", cfg)
	}
	if !strings.HasSuffix(cfg.Session.Dir, filepath.Join(".jupyter", "codex-sessions")) {
		t.Errorf("Session.Dir = %q", cfg.Session.Dir)
	}

	if _, err := load(path, true, envMap(nil)); err == nil {
		t.Error("explicit missing config should fail")
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bridge.yaml")
	yamlData := `
codex_home: /from/file
session:
  dir: /data/sessions
  max_messages: 50
  max_preview_messages: 3
  prune_interval: 15m
agent:
  command: /usr/local/bin/codex
  args: [exec, --json, --color, never, -]
  terminate_grace: 3s
catalog:
  ttl: 1m
server:
  allowed_origins: ["http://localhost:8888"]
log:
  level: debug
`
	if err := os.WriteFile(path, []byte(yamlData), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := load(path, true, envMap(map[string]string{
		"JUPYTERLAB_CODEX_SESSION_MAX_MESSAGES":   "20",
		"JUPYTERLAB_CODEX_SESSION_MAX_BYTES":      "4096",
		"JUPYTERLAB_CODEX_SESSION_RETENTION_DAYS": "-1",
		"JUPYTERLAB_CODEX_MODEL":                  "gpt-5",
		"JUPYTERLAB_CODEX_REDACT_KEYS":            "foo, bar ,",
		"JUPYTERLAB_CODEX_ADDR":                   ":9000",
		"CODEX_HOME":                              "/ignored",
	}))
	if err != nil {
		t.Fatalf("load() error = %v", err)
	}

	if cfg.Session.Dir != "/data/sessions" || cfg.Session.PruneInterval != 15*time.Minute {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if l := cfg.Session.Limits; l.MaxMessages != 20 || l.MaxPreviewMessages != 3 || l.MaxLogBytes != 4096 || l.MaxContentChars != session.DefaultMaxContentChars {
		t.Errorf("Limits = %+v", l)
	}
	if cfg.Session.RetentionDays != -1 {
		t.Errorf("RetentionDays = %d", cfg.Session.RetentionDays)
	}
	if cfg.Agent.Command != "/usr/local/bin/codex" || len(cfg.Agent.Args) != 5 || cfg.Agent.TerminateGrace != 3*time.Second || cfg.Agent.Model != "gpt-5" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Catalog.TTL != time.Minute || cfg.Server.Addr != ":9000" || len(cfg.Server.AllowedOrigins) != 1 {
		t.Errorf("Catalog/Server = %+v %+v", cfg.Catalog, cfg.Server)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if strings.Join(cfg.Redact.Keys, ",") != "foo,bar" || cfg.Redact.Mode != "basic" {
		t.Errorf("Redact = %+v", cfg.Redact)
	}
	if cfg.CodexHome != "/from/file" {
		t.Errorf("CodexHome = %q", cfg.CodexHome)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("session: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := load(bad, true, envMap(nil)); err == nil {
		t.Error("malformed yaml should fail")
	}

	_, err := load(filepath.Join(dir, "none.yaml"), false, envMap(map[string]string{
		"JUPYTERLAB_CODEX_SESSION_MAX_MESSAGES": "lots",
	}))
	if err == nil || !strings.Contains(err.Error(), "JUPYTERLAB_CODEX_SESSION_MAX_MESSAGES") {
		t.Errorf("bad env error = %v", err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "bridge.yaml")
	cfg := Default()
	cfg.Agent.Model = "o3"
	cfg.Session.Dir = "/s"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	loaded, err := load(path, true, envMap(map[string]string{"CODEX_HOME": "/c"}))
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Agent.Model != "o3" || loaded.Session.Dir != "/s" || loaded.Session.Limits != cfg.Session.Limits {
		t.Errorf("loaded = %+v", loaded)
	}
}

func TestDetectCodexHome(t *testing.T) {
	t.Setenv("CODEX_HOME", "/env/codex")
	if got, _ := DetectCodexHome("/flag/codex/"); got != "/flag/codex" {
		t.Errorf("explicit = %q", got)
	}
	if got, _ := DetectCodexHome(""); got != "/env/codex" {
		t.Errorf("env = %q", got)
	}
	t.Setenv("CODEX_HOME", "")
	home, _ := os.UserHomeDir()
	if got, _ := DetectCodexHome(""); got != filepath.Join(home, ".codex") {
		t.Errorf("default = %q", got)
	}
}

func TestLoadCLIDefaults(t *testing.T) {
	home := t.TempDir()
	if d := LoadCLIDefaults(home, AgentConfig{}); d != (CLIDefaults{}) {
		t.Errorf("no config.toml = %+v", d)
	}

	toml := "model = \"gpt-5-codex\"\nmodel_reasoning_effort = \"HIGH\"\n\n[profiles.fast]\nmodel = \"o4-mini\"\n"
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	if d := LoadCLIDefaults(home, AgentConfig{}); d.Model != "gpt-5-codex" || d.ReasoningEffort != "high" {
		t.Errorf("from toml = %+v", d)
	}
	if d := LoadCLIDefaults(home, AgentConfig{Model: "env-model"}); d.Model != "env-model" || d.ReasoningEffort != "high" {
		t.Errorf("override = %+v", d)
	}

	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte("model = [broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	if d := LoadCLIDefaults(home, AgentConfig{}); d != (CLIDefaults{}) {
		t.Errorf("broken toml = %+v", d)
	}
}
