package tui

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const tuiTraceEnvKey = "JUPYTERLAB_CODEX_TUI_TRACE_FILE"

// tuiDebugTracer appends one JSON line per frame to the file named by
// JUPYTERLAB_CODEX_TUI_TRACE_FILE. The alt screen hides stderr, so this is
// the only way to see what the chat client exchanged.
type tuiDebugTracer struct {
	mu       sync.Mutex
	file     *os.File
	enc      *json.Encoder
	reported bool
	seq      atomic.Uint64
}

func newTUIDebugTracerFromEnv() *tuiDebugTracer {
	path := strings.TrimSpace(os.Getenv(tuiTraceEnvKey))
	if path == "" {
		return &tuiDebugTracer{}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "codex-bridge chat: failed to open debug trace file %s: %v\n", path, err)
		return &tuiDebugTracer{}
	}
	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	return &tuiDebugTracer{file: f, enc: enc}
}

func (t *tuiDebugTracer) trace(kind string, fields map[string]interface{}) {
	if t == nil {
		return
	}

	entry := make(map[string]interface{}, len(fields)+4)
	entry["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["component"] = "chat"
	entry["kind"] = strings.TrimSpace(kind)
	entry["seq"] = t.seq.Add(1)
	for k, v := range fields {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		entry[k] = v
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enc == nil {
		return
	}
	if err := t.enc.Encode(entry); err != nil && !t.reported {
		t.reported = true
		fmt.Fprintf(os.Stderr, "codex-bridge chat: failed to write debug trace: %v\n", err)
	}
}

func (t *tuiDebugTracer) close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("failed to close chat debug trace file: %w", err)
	}
	t.file = nil
	t.enc = nil
	return nil
}
