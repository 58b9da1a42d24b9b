//go:build unix

package catalog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
)

// fakeAppServer writes a shell script that answers initialize and model/list
// and records every spawn in a counter file.
func fakeAppServer(t *testing.T, listResponse string) (exe, counter string) {
	t.Helper()
	dir := t.TempDir()
	counter = filepath.Join(dir, "spawns")
	script := `#!/bin/sh
[ "$1" = "app-server" ] || exit 64
echo spawn >> "` + counter + `"
echo '{"jsonrpc":"2.0","method":"sessionConfigured","params":{}}'
echo 'not json at all'
while IFS= read -r line; do
  case "$line" in
    *'"method":"initialize"'*)
      echo '{"jsonrpc":"2.0","id":7,"result":{}}'
      echo '{"jsonrpc":"2.0","id":1,"result":{"userAgent":"fake"}}' ;;
    *'"method":"model/list"'*)
      echo '` + listResponse + `' ;;
  esac
done
`
	exe = filepath.Join(dir, "fake-codex")
	if err := os.WriteFile(exe, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return exe, counter
}

func spawnCount(t *testing.T, counter string) int {
	t.Helper()
	data, err := os.ReadFile(counter)
	if os.IsNotExist(err) {
		return 0
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Count(string(data), "spawn")
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestClient(clk *clock) *Client {
	return New(Config{
		Timeout:        2 * time.Second,
		TerminateGrace: 200 * time.Millisecond,
		Resolver:       &agent.Resolver{},
		Now:            clk.Now,
	})
}

const twoModels = `{"jsonrpc":"2.0","id":2,"result":{"data":[` +
	`{"id":"gpt-5","model":"gpt-5","displayName":"GPT-5","supportedReasoningEfforts":[{"reasoningEffort":"low"},{"reasoningEffort":"High"}],"defaultReasoningEffort":"medium"},` +
	`{"id":"gpt-5-mini","supportedReasoningEfforts":["minimal"]}]}}`

func TestListModelsHandshake(t *testing.T) {
	exe, counter := fakeAppServer(t, twoModels)
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	models := c.ListModels(context.Background(), exe, false)
	if len(models) != 2 {
		t.Fatalf("ListModels() = %+v, want 2 models", models)
	}
	if m := models[0]; m.ID != "gpt-5" || m.DisplayName != "GPT-5" || m.DefaultReasoningEffort != "medium" ||
		strings.Join(m.SupportedReasoningEfforts, ",") != "low,high" {
		t.Errorf("models[0] = %+v", m)
	}
	if m := models[1]; m.ID != "gpt-5-mini" || m.DisplayName != "gpt-5-mini" ||
		strings.Join(m.SupportedReasoningEfforts, ",") != "minimal" {
		t.Errorf("models[1] = %+v", m)
	}
	if n := spawnCount(t, counter); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}
}

func TestListModelsAcceptsModelsKey(t *testing.T) {
	exe, _ := fakeAppServer(t, `{"jsonrpc":"2.0","id":2,"result":{"models":[{"model":"o3"},{"model":"o3"},{"displayName":"nameless"}]}}`)
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	models := c.ListModels(context.Background(), exe, false)
	if len(models) != 1 || models[0].ID != "o3" {
		t.Errorf("ListModels() = %+v, want [o3]", models)
	}
}

func TestListModelsCachesUntilTTL(t *testing.T) {
	exe, counter := fakeAppServer(t, twoModels)
	clk := &clock{now: time.Unix(1000, 0)}
	c := newTestClient(clk)
	ctx := context.Background()

	c.ListModels(ctx, exe, false)
	clk.now = clk.now.Add(DefaultTTL - time.Second)
	if got := c.ListModels(ctx, exe, false); len(got) != 2 {
		t.Fatalf("cached ListModels() = %+v", got)
	}
	if n := spawnCount(t, counter); n != 1 {
		t.Errorf("spawns within TTL = %d, want 1", n)
	}

	clk.now = clk.now.Add(2 * time.Second)
	c.ListModels(ctx, exe, false)
	if n := spawnCount(t, counter); n != 2 {
		t.Errorf("spawns after TTL = %d, want 2", n)
	}

	c.ListModels(ctx, exe, true)
	if n := spawnCount(t, counter); n != 3 {
		t.Errorf("spawns after force refresh = %d, want 3", n)
	}
}

func TestListModelsReturnsCopies(t *testing.T) {
	exe, _ := fakeAppServer(t, twoModels)
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	first := c.ListModels(context.Background(), exe, false)
	first[0].SupportedReasoningEfforts[0] = "mutated"
	second := c.ListModels(context.Background(), exe, false)
	if second[0].SupportedReasoningEfforts[0] != "low" {
		t.Errorf("cache was mutated through returned slice: %+v", second[0])
	}
}

func TestListModelsDoesNotCacheFailures(t *testing.T) {
	exe, counter := fakeAppServer(t, `{"jsonrpc":"2.0","id":2,"error":{"code":-32601,"message":"no such method"}}`)
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	for i := 0; i < 2; i++ {
		if got := c.ListModels(context.Background(), exe, false); len(got) != 0 {
			t.Fatalf("ListModels() = %+v, want empty", got)
		}
	}
	if n := spawnCount(t, counter); n != 2 {
		t.Errorf("spawns = %d, want 2 (empty results are not cached)", n)
	}
}

func TestListModelsSurvivesFirstCallerCancel(t *testing.T) {
	exe, counter := fakeAppServer(t, twoModels)
	script, err := os.ReadFile(exe)
	if err != nil {
		t.Fatal(err)
	}
	slow := strings.Replace(string(script), "    *'\"method\":\"model/list\"'*)\n", "    *'\"method\":\"model/list\"'*)\n      sleep 1\n", 1)
	if slow == string(script) {
		t.Fatal("failed to add delay to fake app-server")
	}
	if err := os.WriteFile(exe, []byte(slow), 0o755); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	first := make(chan []Model, 1)
	go func() { first <- c.ListModels(firstCtx, exe, false) }()

	deadline := time.Now().Add(5 * time.Second)
	for spawnCount(t, counter) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("app-server never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	second := make(chan []Model, 1)
	go func() { second <- c.ListModels(context.Background(), exe, false) }()
	time.Sleep(100 * time.Millisecond)
	cancelFirst()

	if got := <-first; len(got) != 0 {
		t.Errorf("cancelled ListModels() = %+v, want empty", got)
	}
	if got := <-second; len(got) != 2 {
		t.Errorf("second ListModels() = %+v, want 2 models", got)
	}
	if n := spawnCount(t, counter); n != 1 {
		t.Errorf("spawns = %d, want 1", n)
	}
}

func TestListModelsTimeout(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "silent-codex")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\nexec sleep 30\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := New(Config{
		Timeout:        200 * time.Millisecond,
		TerminateGrace: 200 * time.Millisecond,
		Resolver:       &agent.Resolver{},
	})

	start := time.Now()
	if got := c.ListModels(context.Background(), exe, false); len(got) != 0 {
		t.Errorf("ListModels() = %+v, want empty", got)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("ListModels() took %v, want prompt timeout", elapsed)
	}
}

func TestListModelsEarlyExit(t *testing.T) {
	dir := t.TempDir()
	exe := filepath.Join(dir, "crashing-codex")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	c := newTestClient(&clock{now: time.Unix(1000, 0)})

	_, err := c.Fetch(context.Background(), exe)
	if err == nil {
		t.Fatal("Fetch() error = nil, want error for early exit")
	}
}

func TestListModelsMissingExecutable(t *testing.T) {
	c := newTestClient(&clock{now: time.Unix(1000, 0)})
	if got := c.ListModels(context.Background(), filepath.Join(t.TempDir(), "nope"), false); len(got) != 0 {
		t.Errorf("ListModels() = %+v, want empty", got)
	}
}

func TestEffortListFormats(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`["low","medium"]`, "low,medium"},
		{`[{"reasoningEffort":"high"},{"effort":"low"},{}]`, "high,low"},
		{`"not-a-list"`, ""},
	}
	for _, tt := range tests {
		var e effortList
		if err := json.Unmarshal([]byte(tt.in), &e); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
		}
		if got := strings.Join(e, ","); got != tt.want {
			t.Errorf("Unmarshal(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
