package prompt

import (
	"bytes"
	"fmt"
	"io/fs"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

const fallbackMode = "ipynb"

// Config selects the system preamble for a turn.
type Config struct {
	// Mode is the notebook mode (ipynb, jupytext_py, plain_py).
	Mode       string
	WorkingDir string
	// Instructions is filled from the manifest entry for Mode.
	Instructions []string
}

// Manifest represents the structure of manifest.yaml
type Manifest struct {
	Version  string `yaml:"version"`
	Defaults struct {
		Mode string `yaml:"mode"`
	} `yaml:"defaults"`
	Modes map[string]struct {
		Instructions []string `yaml:"instructions"`
	} `yaml:"modes"`
}

// Turn is the per-turn material placed after the system preamble.
type Turn struct {
	// History is replayed under "Conversation:" when non-empty.
	History    []session.Message
	Selection  string
	CellOutput string
	Content    string
}

// Compiler handles the assembly of prompts
type Compiler struct {
	assets fs.FS
}

// NewCompiler returns a compiler over the embedded assets.
func NewCompiler() (*Compiler, error) {
	sub, err := AssetsFS()
	if err != nil {
		return nil, err
	}
	return &Compiler{assets: sub}, nil
}

// NewCompilerFromFS creates a compiler from a given FS (useful for testing or external loading)
func NewCompilerFromFS(assets fs.FS) *Compiler {
	return &Compiler{assets: assets}
}

// CompileSystemPrompt renders system.tmpl for the resolved mode.
func (c *Compiler) CompileSystemPrompt(cfg Config) (string, error) {
	resolved, err := c.resolveMode(cfg)
	if err != nil {
		return "", err
	}

	data, err := fs.ReadFile(c.assets, "system.tmpl")
	if err != nil {
		return "", fmt.Errorf("failed to read system template: %w", err)
	}
	tmpl, err := template.New("system").Parse(string(data))
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, resolved); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.String(), nil
}

// Build assembles the full prompt written to the agent's stdin.
func (c *Compiler) Build(cfg Config, turn Turn) (string, error) {
	system, err := c.CompileSystemPrompt(cfg)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimRight(system, "\n"))
	sb.WriteString("\n\n")

	if len(turn.History) > 0 {
		sb.WriteString("Conversation:\n")
		for _, msg := range turn.History {
			fmt.Fprintf(&sb, "%s: %s\n", roleLabel(msg.Role), msg.Content)
		}
		sb.WriteString("\n")
	}
	writeSection(&sb, "Selection:", turn.Selection)
	writeSection(&sb, "Cell Output:", turn.CellOutput)

	sb.WriteString("User:\n")
	sb.WriteString(turn.Content)
	return sb.String(), nil
}

func writeSection(sb *strings.Builder, title, body string) {
	if strings.TrimSpace(body) == "" {
		return
	}
	sb.WriteString(title)
	sb.WriteString("\n")
	sb.WriteString(body)
	sb.WriteString("\n\n")
}

func roleLabel(role session.Role) string {
	r := string(role)
	if r == "" {
		return "User"
	}
	return strings.ToUpper(r[:1]) + r[1:]
}

func (c *Compiler) resolveMode(cfg Config) (Config, error) {
	manifestData, err := fs.ReadFile(c.assets, "manifest.yaml")
	if err != nil {
		return Config{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var manifest Manifest
	if err := yaml.Unmarshal(manifestData, &manifest); err != nil {
		return Config{}, fmt.Errorf("failed to parse manifest: %w", err)
	}

	resolved := cfg
	if _, ok := manifest.Modes[resolved.Mode]; !ok {
		resolved.Mode = manifest.Defaults.Mode
	}
	if resolved.Mode == "" {
		resolved.Mode = fallbackMode
	}
	if len(resolved.Instructions) == 0 {
		resolved.Instructions = manifest.Modes[resolved.Mode].Instructions
	}
	return resolved, nil
}
