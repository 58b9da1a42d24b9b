package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

// CLIDefaults are the model settings codex uses when the client picks none.
type CLIDefaults struct {
	Model           string
	ReasoningEffort string
}

type codexTOML struct {
	Model                string `toml:"model"`
	ModelReasoningEffort string `toml:"model_reasoning_effort"`
}

// LoadCLIDefaults reads model and model_reasoning_effort from
// <codexHome>/config.toml. Values configured for the bridge win.
func LoadCLIDefaults(codexHome string, agent AgentConfig) CLIDefaults {
	var file codexTOML
	if codexHome != "" {
		path := filepath.Join(codexHome, "config.toml")
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &file); err != nil {
				codexlog.Debug("ignoring unreadable codex config", "path", path, "error", err)
				file = codexTOML{}
			}
		}
	}

	d := CLIDefaults{
		Model:           strings.TrimSpace(file.Model),
		ReasoningEffort: strings.ToLower(strings.TrimSpace(file.ModelReasoningEffort)),
	}
	if m := strings.TrimSpace(agent.Model); m != "" {
		d.Model = m
	}
	if r := strings.ToLower(strings.TrimSpace(agent.ReasoningEffort)); r != "" {
		d.ReasoningEffort = r
	}
	return d
}
