package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openTestStore(t *testing.T, limits Limits) (*Store, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	s, err := Open(Config{Dir: t.TempDir(), Limits: limits, Now: clock.Now})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, clock
}

func mustAppend(t *testing.T, s *Store, id string, role Role, content string) {
	t.Helper()
	if err := s.Append(id, role, content, nil); err != nil {
		t.Fatalf("Append(%s) error = %v", id, err)
	}
}

func contents(msgs []Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, string(m.Role)+":"+m.Content)
	}
	return out
}

func TestValidID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"019a2b3c-4d5e-6f70-8192-a3b4c5d6e7f8", true},
		{"session_1", true},
		{"", false},
		{"../etc/passwd", false},
		{"a b", false},
		{"a.b", false},
		{strings.Repeat("a", 129), false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestAppendAndLoad(t *testing.T) {
	s, _ := openTestStore(t, Limits{})

	if err := s.Ensure("s1", "work/nb.ipynb", "/home/u/work/nb.ipynb"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	mustAppend(t, s, "s1", RoleUser, "hello")
	mustAppend(t, s, "s1", RoleAssistant, "hi")
	mustAppend(t, s, "s1", RoleSystem, "note")

	msgs, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := strings.Join(contents(msgs), "|")
	if want := "user:hello|assistant:hi|system:note"; got != want {
		t.Errorf("Load() = %q, want %q", got, want)
	}

	meta, err := s.Metadata("s1")
	if err != nil || meta == nil {
		t.Fatalf("Metadata() = %v, %v", meta, err)
	}
	if meta.PairedPath != "work/nb.py" {
		t.Errorf("PairedPath = %q, want work/nb.py", meta.PairedPath)
	}
}

func TestLoadMissingSessionIsEmpty(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	msgs, err := s.Load("nothing-here")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Load() = %v, want empty", msgs)
	}
}

func TestAppendRejectsBadInput(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	if err := s.Append("../x", RoleUser, "hi", nil); err != ErrInvalidID {
		t.Errorf("Append(bad id) error = %v, want ErrInvalidID", err)
	}
	if err := s.Append("ok", Role("tool"), "hi", nil); err == nil {
		t.Error("Append(bad role) expected error")
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	s, clock := openTestStore(t, Limits{})

	if err := s.Ensure("s1", "", ""); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	first, _ := s.Metadata("s1")

	clock.Advance(time.Minute)
	if err := s.Ensure("s1", "nb.ipynb", "/abs/nb.ipynb"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if err := s.Ensure("s1", "other.ipynb", "/abs/other.ipynb"); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	meta, _ := s.Metadata("s1")
	if meta.NotebookPath != "nb.ipynb" || meta.NotebookOSPath != "/abs/nb.ipynb" {
		t.Errorf("Ensure overwrote or failed to fill paths: %+v", meta)
	}
	if meta.CreatedAt != first.CreatedAt {
		t.Errorf("CreatedAt changed from %s to %s", first.CreatedAt, meta.CreatedAt)
	}
}

func TestMaxMessagesEviction(t *testing.T) {
	s, _ := openTestStore(t, Limits{MaxMessages: 5})

	for i := 0; i < 8; i++ {
		mustAppend(t, s, "s1", RoleUser, fmt.Sprintf("m%d", i))
	}

	msgs, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := strings.Join(contents(msgs), ",")
	want := "user:m3,user:m4,user:m5,user:m6,user:m7"
	if got != want {
		t.Errorf("Load() = %s, want %s", got, want)
	}
}

func TestAppendRedactsSecrets(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	mustAppend(t, s, "s1", RoleUser, `connect with api_key: "abc123" please`)

	raw, err := os.ReadFile(filepath.Join(s.Dir(), "s1.jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(raw), "abc123") {
		t.Errorf("secret persisted: %s", raw)
	}
}

func TestAppendTruncatesContent(t *testing.T) {
	s, _ := openTestStore(t, Limits{MaxContentChars: 10})
	mustAppend(t, s, "s1", RoleAssistant, strings.Repeat("é", 25))

	msgs, _ := s.Load("s1")
	if len(msgs) != 1 {
		t.Fatalf("Load() returned %d messages", len(msgs))
	}
	want := strings.Repeat("é", 10) + truncatedSuffix
	if msgs[0].Content != want {
		t.Errorf("Content = %q, want %q", msgs[0].Content, want)
	}
}

func TestPreviewMetadataKeptOnRecentUserMessages(t *testing.T) {
	s, _ := openTestStore(t, Limits{MaxPreviewMessages: 2})

	for i := 0; i < 4; i++ {
		ui := &UI{SelectionPreview: &SelectionPreview{
			LocationLabel: fmt.Sprintf("Cell %d", i),
			PreviewText:   "x = 1",
		}}
		if err := s.Append("s1", RoleUser, fmt.Sprintf("q%d", i), ui); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		mustAppend(t, s, "s1", RoleAssistant, fmt.Sprintf("a%d", i))
	}

	msgs, _ := s.Load("s1")
	var withUI []string
	for _, m := range msgs {
		if m.UI != nil {
			withUI = append(withUI, m.Content)
		}
	}
	if got := strings.Join(withUI, ","); got != "q2,q3" {
		t.Errorf("messages with UI = %s, want q2,q3", got)
	}
}

func TestDefaultLimitsKeepPreview(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if got := s.Limits().MaxPreviewMessages; got != DefaultMaxPreviewMessages {
		t.Errorf("MaxPreviewMessages = %d, want %d", got, DefaultMaxPreviewMessages)
	}

	ui := &UI{SelectionPreview: &SelectionPreview{LocationLabel: "Cell 1", PreviewText: "x = 1"}}
	if err := s.Append("s1", RoleUser, "q", ui); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	msgs, _ := s.Load("s1")
	if len(msgs) != 1 || msgs[0].UI == nil || msgs[0].UI.SelectionPreview.LocationLabel != "Cell 1" {
		t.Errorf("Load() = %+v, want the preview kept", msgs)
	}
}

func TestAssistantMessagesDropUI(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	ui := &UI{SelectionPreview: &SelectionPreview{LocationLabel: "Cell 1", PreviewText: "x"}}
	if err := s.Append("s1", RoleAssistant, "a", ui); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	msgs, _ := s.Load("s1")
	if msgs[0].UI != nil {
		t.Errorf("assistant message kept UI: %+v", msgs[0].UI)
	}
}

func TestNormalizeUI(t *testing.T) {
	long := strings.Repeat("L", 200)
	ui := NormalizeUI(&UI{SelectionPreview: &SelectionPreview{LocationLabel: "  " + long, PreviewText: strings.Repeat("p", 2000)}})
	if ui == nil {
		t.Fatal("NormalizeUI() = nil")
	}
	if n := len(ui.SelectionPreview.LocationLabel); n != maxLocationLabelChars {
		t.Errorf("label length = %d", n)
	}
	if n := len(ui.SelectionPreview.PreviewText); n != maxPreviewTextChars {
		t.Errorf("preview length = %d", n)
	}
	if NormalizeUI(&UI{SelectionPreview: &SelectionPreview{LocationLabel: "x", PreviewText: "  "}}) != nil {
		t.Error("empty preview should normalize to nil")
	}
}

func TestByteBudgetDropsOldest(t *testing.T) {
	const budget = 600
	s, _ := openTestStore(t, Limits{MaxLogBytes: budget})

	for i := 0; i < 10; i++ {
		mustAppend(t, s, "s1", RoleUser, fmt.Sprintf("%d-%s", i, strings.Repeat("x", 100)))
	}

	info, err := os.Stat(filepath.Join(s.Dir(), "s1.jsonl"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() > budget {
		t.Errorf("log size %d exceeds budget %d", info.Size(), budget)
	}

	msgs, _ := s.Load("s1")
	if len(msgs) == 0 || len(msgs) >= 10 {
		t.Fatalf("expected eviction to keep a non-empty suffix, got %d", len(msgs))
	}
	if !strings.HasPrefix(msgs[len(msgs)-1].Content, "9-") {
		t.Errorf("newest message missing, last = %q", msgs[len(msgs)-1].Content)
	}
}

func TestByteBudgetKeepsNewestRecord(t *testing.T) {
	s, _ := openTestStore(t, Limits{MaxLogBytes: 32})

	mustAppend(t, s, "s1", RoleUser, "old "+strings.Repeat("x", 100))
	mustAppend(t, s, "s1", RoleAssistant, "new "+strings.Repeat("y", 100))

	msgs, _ := s.Load("s1")
	if len(msgs) != 1 || !strings.HasPrefix(msgs[0].Content, "new ") {
		t.Errorf("Load() = %v, want only the newest record", contents(msgs))
	}
}

func TestCorruptLinesAreSkippedAndCleaned(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	path := filepath.Join(s.Dir(), "s1.jsonl")
	content := strings.Join([]string{
		`{"role":"user","content":"first","timestamp":"t"}`,
		`not json at all`,
		`[1,2,3]`,
		`{"role":"assistant","content":"second","timestamp":"t"}`,
		`{"role":"user","conte`,
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.Load("s1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := strings.Join(contents(msgs), ","); got != "user:first,assistant:second" {
		t.Errorf("Load() = %s", got)
	}

	mustAppend(t, s, "s1", RoleUser, "third")
	msgs, _ = s.Load("s1")
	if got := strings.Join(contents(msgs), ","); got != "user:first,assistant:second,user:third" {
		t.Errorf("Load() after append = %s", got)
	}

	raw, _ := os.ReadFile(path)
	if strings.Contains(string(raw), "not json") {
		t.Errorf("corrupt line survived rewrite: %s", raw)
	}
}

func TestConcurrentAppends(t *testing.T) {
	s, _ := openTestStore(t, Limits{MaxMessages: 500})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := s.Append("shared", RoleUser, fmt.Sprintf("w%d-%d", w, i), nil); err != nil {
					t.Errorf("Append() error = %v", err)
				}
			}
		}(w)
	}
	wg.Wait()

	msgs, _ := s.Load("shared")
	if len(msgs) != 100 {
		t.Errorf("Load() returned %d messages, want 100", len(msgs))
	}
}

func TestResolveForNotebook(t *testing.T) {
	s, clock := openTestStore(t, Limits{})

	if err := s.Ensure("older", "nb.ipynb", "/abs/nb.ipynb"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if err := s.Ensure("newer", "", "/abs/nb.ipynb"); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Minute)
	if err := s.Ensure("unrelated", "other.ipynb", "/abs/other.ipynb"); err != nil {
		t.Fatal(err)
	}

	if id, ok := s.ResolveForNotebook("nb.ipynb", "/abs/nb.ipynb"); !ok || id != "newer" {
		t.Errorf("ResolveForNotebook() = %q, %v, want newer", id, ok)
	}

	clock.Advance(time.Minute)
	mustAppend(t, s, "older", RoleUser, "bump")
	if id, _ := s.ResolveForNotebook("nb.ipynb", ""); id != "older" {
		t.Errorf("ResolveForNotebook() after bump = %q, want older", id)
	}

	if _, ok := s.ResolveForNotebook("missing.ipynb", "/abs/missing.ipynb"); ok {
		t.Error("ResolveForNotebook() matched an unknown notebook")
	}
	if _, ok := s.ResolveForNotebook("", ""); ok {
		t.Error("ResolveForNotebook() matched empty paths")
	}
}

func TestMatchesNotebook(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	_ = s.Ensure("bound", "nb.ipynb", "/abs/nb.ipynb")
	_ = s.Ensure("unbound", "", "")

	if !s.MatchesNotebook("bound", "nb.ipynb", "") {
		t.Error("expected logical path match")
	}
	if s.MatchesNotebook("bound", "x.ipynb", "/abs/x.ipynb") {
		t.Error("unexpected match for other notebook")
	}
	if !s.MatchesNotebook("unbound", "x.ipynb", "") {
		t.Error("session without notebook should match")
	}
	if s.MatchesNotebook("absent", "nb.ipynb", "") {
		t.Error("missing session should not match")
	}
}

func TestDeleteAndDeleteAll(t *testing.T) {
	s, _ := openTestStore(t, Limits{})
	for _, id := range []string{"a", "b", "c"} {
		_ = s.Ensure(id, "", "")
		mustAppend(t, s, id, RoleUser, "x")
	}
	// A log without metadata still counts as a session.
	if err := os.WriteFile(filepath.Join(s.Dir(), "orphan.jsonl"), []byte("{}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := s.Delete("a"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if s.Exists("a") {
		t.Error("session a still exists")
	}
	if err := s.Delete("a"); err != nil {
		t.Errorf("second Delete() error = %v", err)
	}

	deleted, failed := s.DeleteAll()
	if deleted != 3 || failed != 0 {
		t.Errorf("DeleteAll() = (%d, %d), want (3, 0)", deleted, failed)
	}
	if metas, _ := s.List(); len(metas) != 0 {
		t.Errorf("List() after DeleteAll = %v", metas)
	}
}

func TestPruneExpired(t *testing.T) {
	clock := newFakeClock()
	s, err := Open(Config{Dir: t.TempDir(), RetentionDays: 30, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	_ = s.Ensure("stale", "", "")
	mustAppend(t, s, "stale", RoleUser, "old")

	clock.Advance(29 * 24 * time.Hour)
	_ = s.Ensure("recent", "", "")

	clock.Advance(2 * 24 * time.Hour)
	n, err := s.PruneExpired(true)
	if err != nil {
		t.Fatalf("PruneExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PruneExpired() = %d, want 1", n)
	}
	if s.Exists("stale") {
		t.Error("stale session survived")
	}
	if !s.Exists("recent") {
		t.Error("recent session was pruned")
	}
}

func TestEnsureKeepsReopenedSessionFromPrune(t *testing.T) {
	clock := newFakeClock()
	s, err := Open(Config{Dir: t.TempDir(), RetentionDays: 30, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	_ = s.Ensure("idle", "a.ipynb", "")
	mustAppend(t, s, "idle", RoleUser, "old")

	clock.Advance(31 * 24 * time.Hour)
	if err := s.Ensure("idle", "a.ipynb", ""); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	if n, err := s.PruneExpired(true); err != nil || n != 0 {
		t.Fatalf("PruneExpired() = (%d, %v), want (0, nil)", n, err)
	}
	if !s.Exists("idle") {
		t.Error("reopened session was pruned")
	}
}

func TestPruneIsThrottled(t *testing.T) {
	clock := newFakeClock()
	s, err := Open(Config{Dir: t.TempDir(), RetentionDays: 1, PruneInterval: time.Hour, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	if n, _ := s.PruneExpired(false); n != 0 {
		t.Fatalf("first sweep pruned %d", n)
	}

	stale := Metadata{
		SessionID: "stale",
		CreatedAt: clock.Now().Add(-72 * time.Hour).Format(time.RFC3339Nano),
		UpdatedAt: clock.Now().Add(-72 * time.Hour).Format(time.RFC3339Nano),
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(s.Dir(), "stale.meta.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	if n, _ := s.PruneExpired(false); n != 0 {
		t.Errorf("throttled sweep pruned %d", n)
	}
	if !s.Exists("stale") {
		t.Fatal("stale session removed during throttle window")
	}

	clock.Advance(2 * time.Hour)
	if n, _ := s.PruneExpired(false); n != 1 {
		t.Errorf("sweep after interval pruned %d, want 1", n)
	}
}

func TestListNewestFirst(t *testing.T) {
	s, clock := openTestStore(t, Limits{})
	_ = s.Ensure("one", "", "")
	clock.Advance(time.Second)
	_ = s.Ensure("two", "", "")
	clock.Advance(time.Second)
	mustAppend(t, s, "one", RoleUser, "bump")

	metas, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(metas) != 2 || metas[0].SessionID != "one" || metas[1].SessionID != "two" {
		t.Errorf("List() = %+v", metas)
	}
}
