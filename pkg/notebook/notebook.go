// Package notebook decides whether a notebook document can be edited by the
// agent and tracks whether a turn changed it on disk.
package notebook

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/oy-ilho/jupyterlab-codex/pkg/pathutil"
)

// Mode describes how the agent should treat a notebook document.
type Mode string

const (
	ModeIPYNB       Mode = "ipynb"
	ModeJupytextPy  Mode = "jupytext_py"
	ModePlainPy     Mode = "plain_py"
	ModeUnsupported Mode = "unsupported"
)

const (
	msgUnresolved  = "Jupytext paired file is required, but the server could not resolve a local path for this notebook."
	msgUnsupported = "Only .ipynb and .py notebook documents are supported."
)

// Status is the pairing verdict for one notebook.
type Status struct {
	OK           bool
	PairedPath   string
	PairedOSPath string
	Message      string
	Mode         Mode
}

// Pairing computes the pairing status of a notebook given its logical path
// and its resolved path on disk. An .ipynb must have its .py twin on disk.
func Pairing(notebookPath, notebookOSPath string) Status {
	nbPath := strings.TrimSpace(notebookPath)
	nbOSPath := strings.TrimSpace(notebookOSPath)

	pairedPath := pairedName(nbPath)
	pairedOSPath := pairedName(nbOSPath)

	isIPYNB := hasExt(nbPath, ".ipynb") || hasExt(nbOSPath, ".ipynb")
	isPy := hasExt(nbPath, ".py") || hasExt(nbOSPath, ".py")

	switch {
	case isIPYNB && pairedOSPath == "":
		return Status{PairedPath: pairedPath, Message: msgUnresolved, Mode: ModeIPYNB}
	case isIPYNB:
		if info, err := os.Stat(pairedOSPath); err == nil && info.Mode().IsRegular() {
			return Status{OK: true, PairedPath: pairedPath, PairedOSPath: pairedOSPath, Mode: ModeIPYNB}
		}
		expected := pairedOSPath
		if expected == "" {
			expected = pairedPath
		}
		return Status{
			PairedPath:   pairedPath,
			PairedOSPath: pairedOSPath,
			Message:      fmt.Sprintf("Jupytext paired file not found. This extension requires a paired .py file.\nExpected: %s", expected),
			Mode:         ModeIPYNB,
		}
	case isPy:
		return Status{OK: true, PairedPath: pairedPath, PairedOSPath: pairedOSPath, Mode: DetectPythonMode(nbOSPath)}
	default:
		return Status{PairedPath: pairedPath, PairedOSPath: pairedOSPath, Message: msgUnsupported, Mode: ModeUnsupported}
	}
}

func hasExt(path, ext string) bool {
	_, ok := pathutil.ReplaceExt(path, ext, "")
	return ok
}

func pairedName(path string) string {
	if p, ok := pathutil.ReplaceExt(path, ".ipynb", ".py"); ok {
		return p
	}
	if p, ok := pathutil.ReplaceExt(path, ".py", ".ipynb"); ok {
		return p
	}
	return ""
}

const (
	maxPrefixLines = 240
	maxPrefixChars = 128_000
	maxHeaderLines = 120
)

var cellMarkerRe = regexp.MustCompile(`^\s*#\s*%%(?:\s|$|\[)`)

var jupytextHeaderHints = []string{"jupytext:", "formats:", "format_name:", "text_representation:"}

// DetectPythonMode reports jupytext_py when the file starts with a jupytext
// YAML header or contains `# %%` cell markers, and plain_py otherwise.
func DetectPythonMode(osPath string) Mode {
	lines := readPrefixLines(osPath)
	if len(lines) == 0 {
		return ModePlainPy
	}
	if hasJupytextHeader(lines) {
		return ModeJupytextPy
	}
	for _, line := range lines {
		if cellMarkerRe.MatchString(line) {
			return ModeJupytextPy
		}
	}
	return ModePlainPy
}

func readPrefixLines(path string) []string {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	total := 0
	r := bufio.NewReader(f)
	for len(lines) < maxPrefixLines {
		line, err := r.ReadString('\n')
		if line != "" {
			lines = append(lines, line)
			total += len(line)
			if total >= maxPrefixChars {
				break
			}
		}
		if err != nil {
			break
		}
	}
	return lines
}

func hasJupytextHeader(lines []string) bool {
	i := 0
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	if i >= len(lines) || strings.TrimSpace(lines[i]) != "# ---" {
		return false
	}

	var header []string
	end := min(len(lines), i+1+maxHeaderLines)
	for _, line := range lines[i+1 : end] {
		stripped := strings.TrimSpace(line)
		if stripped == "# ---" {
			break
		}
		if stripped != "" && !strings.HasPrefix(stripped, "#") {
			return false
		}
		header = append(header, strings.ToLower(strings.TrimSpace(strings.TrimLeft(stripped, "#"))))
	}
	if len(header) == 0 {
		return false
	}
	joined := strings.Join(header, "\n")
	for _, hint := range jupytextHeaderHints {
		if strings.Contains(joined, hint) {
			return true
		}
	}
	return false
}

// ResolveOSPath maps a client notebook path to an absolute path on disk.
// With a root, the path is taken relative to it and must stay inside it.
// Without one, only absolute paths resolve.
func ResolveOSPath(root, notebookPath string) string {
	p := strings.TrimSpace(notebookPath)
	if p == "" {
		return ""
	}
	if root != "" {
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return ""
		}
		candidate := filepath.Join(absRoot, filepath.FromSlash(strings.TrimLeft(p, "/")))
		if !pathutil.Contains(absRoot, candidate) {
			return ""
		}
		return candidate
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return ""
}

// WatchPaths lists the notebook and its pair, the files whose change marks a turn as having edited the notebook.
func WatchPaths(osPath string) []string {
	if osPath == "" {
		return nil
	}
	abs, err := filepath.Abs(osPath)
	if err != nil {
		return nil
	}
	paths := []string{abs}
	if p := pairedName(abs); p != "" {
		paths = append(paths, p)
	}
	return paths
}

// Signatures digests each path with blake3. Unreadable paths map to "".
func Signatures(paths []string) map[string]string {
	sigs := make(map[string]string, len(paths))
	for _, p := range paths {
		sigs[p] = digestFile(p)
	}
	return sigs
}

func digestFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Changed reports whether any path differs between two signature sets.
func Changed(before, after map[string]string) bool {
	for p, sig := range before {
		if after[p] != sig {
			return true
		}
	}
	for p, sig := range after {
		if _, ok := before[p]; !ok && sig != "" {
			return true
		}
	}
	return false
}
