package ratelimit

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func writeRollout(t *testing.T, home, name string, mtime time.Time, lines ...string) string {
	t.Helper()
	dir := filepath.Join(home, "sessions", "2026", "10", "16")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
	return path
}

func tokenCount(ts string, used float64) string {
	return `{"timestamp":"` + ts + `","type":"event_msg","payload":{"type":"token_count",` +
		`"info":{"model_context_window":1000,"last_token_usage":{"input_tokens":250}},` +
		`"rate_limits":{"primary":{"used_percent":` + strconv.FormatFloat(used, 'f', -1, 64) +
		`,"window_minutes":300,"resets_at":1700000000},"secondary":{"usedPercent":5,"windowDurationMins":10080}}}}`
}

func TestLatestPicksNewestSnapshot(t *testing.T) {
	home := t.TempDir()
	base := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	writeRollout(t, home, "rollout-old.jsonl", base.Add(-time.Hour), tokenCount("2026-10-16T11:00:00Z", 10))
	writeRollout(t, home, "rollout-new.jsonl", base,
		tokenCount("2026-10-16T12:00:00", 42),
		`{"type":"event_msg","payload":{"type":"agent_message","message":"no limits here"}}`,
		`not json rate_limits`,
	)

	s := New(Config{CodexHome: home})
	snap := s.Latest(false)
	if snap == nil {
		t.Fatal("Latest() = nil")
	}
	if snap.UpdatedAt == nil || *snap.UpdatedAt != "2026-10-16T12:00:00Z" {
		t.Errorf("UpdatedAt = %v", snap.UpdatedAt)
	}
	if snap.Primary.UsedPercent == nil || *snap.Primary.UsedPercent != 42 {
		t.Errorf("Primary = %+v", snap.Primary)
	}
	if snap.Primary.WindowMinutes == nil || *snap.Primary.WindowMinutes != 300 {
		t.Errorf("Primary.WindowMinutes = %v", snap.Primary.WindowMinutes)
	}
	if snap.Secondary.WindowMinutes == nil || *snap.Secondary.WindowMinutes != 10080 || snap.Secondary.ResetsAt != nil {
		t.Errorf("Secondary = %+v", snap.Secondary)
	}
	cw := snap.ContextWindow
	if cw == nil || *cw.LeftTokens != 750 || *cw.UsedTokens != 250 || *cw.UsedPercent != 25 {
		t.Errorf("ContextWindow = %+v", cw)
	}
}

func TestLatestCachesWithinTTL(t *testing.T) {
	home := t.TempDir()
	clk := &clock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	s := New(Config{CodexHome: home, Now: clk.Now})

	if snap := s.Latest(false); snap != nil {
		t.Fatalf("Latest() on empty home = %+v", snap)
	}
	writeRollout(t, home, "rollout-a.jsonl", clk.now, tokenCount("2026-10-16T12:00:00Z", 1))

	if snap := s.Latest(false); snap != nil {
		t.Error("Latest() within TTL should return the cached nil")
	}
	if snap := s.Latest(true); snap == nil {
		t.Error("Latest(force) should rescan")
	}

	clk.now = clk.now.Add(DefaultTTL)
	if snap := s.Latest(false); snap == nil {
		t.Error("Latest() after TTL should rescan")
	}
}

func TestLatestWithoutCodexHome(t *testing.T) {
	if snap := New(Config{}).Latest(true); snap != nil {
		t.Errorf("Latest() = %+v, want nil", snap)
	}
	if snap := New(Config{CodexHome: filepath.Join(t.TempDir(), "missing")}).Latest(true); snap != nil {
		t.Errorf("Latest() = %+v, want nil", snap)
	}
}

func TestEffectiveSandbox(t *testing.T) {
	home := t.TempDir()
	now := time.Now()
	writeRollout(t, home, "rollout-2026-10-16T12-00-00-T1.jsonl", now,
		`{"type":"turn_context","payload":{"sandbox_policy":{"type":"workspace_write"}}}`,
		`{"type":"event_msg","payload":{"type":"agent_message","message":"sandbox talk"}}`,
	)
	writeRollout(t, home, "rollout-2026-10-16T12-00-00-T2.jsonl", now,
		`{"type":"event_msg","payload":{"type":"turn_context","payload":{"sandboxPolicy":{"mode":"read-only"}}}}`,
	)
	writeRollout(t, home, "rollout-2026-10-16T12-00-00-T3.jsonl", now,
		`{"type":"turn_context","payload":{"sandbox_policy":{"type":"bogus"}}}`,
	)

	s := New(Config{CodexHome: home})
	tests := map[string]string{"T1": "workspace-write", "T2": "read-only", "T3": "", "T4": "", "": ""}
	for thread, want := range tests {
		if got := s.EffectiveSandbox(thread, false); got != want {
			t.Errorf("EffectiveSandbox(%q) = %q, want %q", thread, got, want)
		}
	}
}

func TestNormalizeTimestamp(t *testing.T) {
	tests := []struct{ in, want string }{
		{"2026-10-16T12:00:00Z", "2026-10-16T12:00:00Z"},
		{"2026-10-16t12:00:00z", "2026-10-16t12:00:00Z"},
		{"2026-10-16T12:00:00+09:00", "2026-10-16T12:00:00+09:00"},
		{"2026-10-16T12:00:00-05:00", "2026-10-16T17:00:00Z"},
		{"2026-10-16T12:00:00.5", "2026-10-16T12:00:00.5Z"},
		{"garbage", "garbage"},
	}
	for _, tt := range tests {
		if got := normalizeTimestamp(tt.in); got != tt.want {
			t.Errorf("normalizeTimestamp(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
