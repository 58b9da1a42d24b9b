// Package ratelimit reads the account rate-limit snapshot and the effective
// sandbox mode that the codex CLI records in its rollout logs.
package ratelimit

import (
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

const (
	DefaultTTL        = 30 * time.Second
	DefaultSandboxTTL = 5 * time.Second

	maxRateLimitFiles = 25
	maxSandboxFiles   = 8
	rateLimitTail     = 1 << 20
	sandboxTail       = 512 << 10
)

// Window is one rate-limit window (primary is typically 5h, secondary 7d).
type Window struct {
	UsedPercent   *float64 `json:"usedPercent"`
	WindowMinutes *int64   `json:"windowMinutes"`
	ResetsAt      *int64   `json:"resetsAt"`
}

// ContextWindow summarizes token usage against the model context window.
type ContextWindow struct {
	WindowTokens *int64   `json:"windowTokens"`
	UsedTokens   *int64   `json:"usedTokens"`
	LeftTokens   *int64   `json:"leftTokens"`
	UsedPercent  *float64 `json:"usedPercent"`
}

// Snapshot is the most recent rate-limit report found on disk.
type Snapshot struct {
	UpdatedAt     *string        `json:"updatedAt"`
	Primary       Window         `json:"primary"`
	Secondary     Window         `json:"secondary"`
	ContextWindow *ContextWindow `json:"contextWindow"`
}

// Config locates the codex rollout logs and tunes caching.
type Config struct {
	// CodexHome is the codex state dir; logs live in its sessions/ subdir.
	CodexHome  string
	TTL        time.Duration
	SandboxTTL time.Duration
	Now        func() time.Time
}

type sandboxEntry struct {
	mode      string
	fetchedAt time.Time
}

// Scanner caches scans of the rollout logs.
type Scanner struct {
	dir        string
	ttl        time.Duration
	sandboxTTL time.Duration
	now        func() time.Time

	mu        sync.Mutex
	fetchedAt time.Time
	scanned   bool
	snapshot  *Snapshot
	sandboxes map[string]sandboxEntry
}

// New returns a Scanner with defaults applied.
func New(cfg Config) *Scanner {
	s := &Scanner{
		dir:        filepath.Join(cfg.CodexHome, "sessions"),
		ttl:        cfg.TTL,
		sandboxTTL: cfg.SandboxTTL,
		now:        cfg.Now,
		sandboxes:  make(map[string]sandboxEntry),
	}
	if cfg.CodexHome == "" {
		s.dir = ""
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.sandboxTTL <= 0 {
		s.sandboxTTL = DefaultSandboxTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Latest returns the newest snapshot, or nil when none is recorded.
// Results, including nil, are cached for the TTL unless force is set.
func (s *Scanner) Latest(force bool) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if !force && s.scanned && now.Sub(s.fetchedAt) < s.ttl {
		return s.snapshot
	}
	s.snapshot = s.scanRateLimits()
	s.fetchedAt = now
	s.scanned = true
	return s.snapshot
}

// EffectiveSandbox returns the sandbox mode codex last applied to threadID, or "".
func (s *Scanner) EffectiveSandbox(threadID string, force bool) string {
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.sandboxes[threadID]; ok && !force && now.Sub(entry.fetchedAt) < s.sandboxTTL {
		return entry.mode
	}
	mode := s.scanSandbox(threadID)
	s.sandboxes[threadID] = sandboxEntry{mode: mode, fetchedAt: now}
	return mode
}

func (s *Scanner) scanRateLimits() *Snapshot {
	for _, path := range s.newestFiles(func(name string) bool { return strings.HasSuffix(name, ".jsonl") }, maxRateLimitFiles) {
		if snap := rateLimitsFromFile(path); snap != nil {
			return snap
		}
	}
	return nil
}

func (s *Scanner) scanSandbox(threadID string) string {
	match := func(name string) bool {
		return strings.HasPrefix(name, "rollout-") && strings.HasSuffix(name, threadID+".jsonl")
	}
	for _, path := range s.newestFiles(match, maxSandboxFiles) {
		if mode := sandboxFromFile(path); mode != "" {
			return mode
		}
	}
	return ""
}

// newestFiles walks the sessions dir and returns up to limit matching files, newest first.
func (s *Scanner) newestFiles(match func(string) bool, limit int) []string {
	if s.dir == "" {
		return nil
	}
	type candidate struct {
		path  string
		mtime time.Time
	}
	var candidates []candidate
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == s.dir {
				return err
			}
			return nil
		}
		if d.IsDir() || !match(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		candidates = append(candidates, candidate{path: path, mtime: info.ModTime()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		codexlog.Debug("rollout scan failed", "dir", s.dir, "error", err)
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	paths := make([]string, len(candidates))
	for i, c := range candidates {
		paths[i] = c.path
	}
	return paths
}

// readTail returns the last max bytes of path, or "" on error.
func readTail(path string, max int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if start := info.Size() - max; start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return ""
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return ""
	}
	return strings.ToValidUTF8(string(data), "�")
}

// reverseLines calls fn on each non-empty line from last to first until fn returns true.
func reverseLines(text string, fn func(string) bool) {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if fn(line) {
			return
		}
	}
}

func rateLimitsFromFile(path string) *Snapshot {
	var snap *Snapshot
	reverseLines(readTail(path, rateLimitTail), func(line string) bool {
		if !strings.Contains(line, "rate_limits") && !strings.Contains(line, "rateLimits") {
			return false
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return false
		}
		snap = rateLimitsFromEvent(obj)
		return snap != nil
	})
	return snap
}

func rateLimitsFromEvent(obj map[string]interface{}) *Snapshot {
	if obj["type"] != "event_msg" {
		return nil
	}
	payload, ok := obj["payload"].(map[string]interface{})
	if !ok || payload["type"] != "token_count" {
		return nil
	}
	rl, ok := payload["rate_limits"].(map[string]interface{})
	if !ok {
		rl, ok = payload["rateLimits"].(map[string]interface{})
	}
	if !ok {
		return nil
	}
	primary, ok1 := rl["primary"].(map[string]interface{})
	secondary, ok2 := rl["secondary"].(map[string]interface{})
	if !ok1 || !ok2 {
		return nil
	}

	snap := &Snapshot{
		Primary:       windowFrom(primary),
		Secondary:     windowFrom(secondary),
		ContextWindow: contextWindowFrom(payload["info"]),
	}
	if ts, ok := obj["timestamp"].(string); ok && strings.TrimSpace(ts) != "" {
		normalized := normalizeTimestamp(ts)
		snap.UpdatedAt = &normalized
	}
	return snap
}

func windowFrom(w map[string]interface{}) Window {
	return Window{
		UsedPercent:   number(pick(w, "used_percent", "usedPercent")),
		WindowMinutes: integer(pick(w, "window_minutes", "windowDurationMins", "window_duration_mins")),
		ResetsAt:      integer(pick(w, "resets_at", "resetsAt")),
	}
}

func contextWindowFrom(v interface{}) *ContextWindow {
	info, ok := v.(map[string]interface{})
	if !ok {
		return nil
	}
	windowTokens := integer(pick(info, "model_context_window", "modelContextWindow"))
	if windowTokens != nil && *windowTokens < 0 {
		windowTokens = nil
	}

	var usedTokens *int64
	if last := mapPick(info, "last_token_usage", "lastTokenUsage"); last != nil {
		usedTokens = integer(pick(last, "input_tokens", "inputTokens"))
	}
	if usedTokens == nil {
		if total := mapPick(info, "total_token_usage", "totalTokenUsage"); total != nil {
			usedTokens = integer(pick(total, "input_tokens", "inputTokens"))
		}
	}
	if usedTokens != nil && *usedTokens < 0 {
		zero := int64(0)
		usedTokens = &zero
	}

	cw := &ContextWindow{WindowTokens: windowTokens, UsedTokens: usedTokens}
	if windowTokens != nil && usedTokens != nil {
		used := min(*usedTokens, *windowTokens)
		left := max(0, *windowTokens-used)
		pct := 0.0
		if *windowTokens > 0 {
			pct = float64(used) / float64(*windowTokens) * 100
		}
		cw.UsedTokens = &used
		cw.LeftTokens = &left
		cw.UsedPercent = &pct
	}
	if cw.WindowTokens == nil && cw.UsedTokens == nil {
		return nil
	}
	return cw
}

func pick(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func mapPick(m map[string]interface{}, keys ...string) map[string]interface{} {
	for _, k := range keys {
		if v, ok := m[k].(map[string]interface{}); ok {
			return v
		}
	}
	return nil
}

func number(v interface{}) *float64 {
	f, ok := v.(float64)
	if !ok || f != f {
		return nil
	}
	return &f
}

func integer(v interface{}) *int64 {
	f := number(v)
	if f == nil {
		return nil
	}
	n := int64(*f)
	return &n
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// normalizeTimestamp makes timestamps parseable by browsers, assuming UTC for naive values.
func normalizeTimestamp(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if strings.HasSuffix(raw, "Z") || strings.HasSuffix(raw, "z") || strings.Contains(raw, "+") {
		return strings.ReplaceAll(raw, "z", "Z")
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC().Format(time.RFC3339Nano)
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.Format(time.RFC3339Nano)
		}
	}
	return raw
}
