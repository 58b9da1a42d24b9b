package serve

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketRoundTrip(t *testing.T) {
	h := newHarness(t, "codex")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ts := httptest.NewServer(h.server.Handler(ctx))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + Route
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	for _, want := range []string{"status", "cli_defaults", "rate_limits"} {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if msg["type"] != want {
			t.Fatalf("greeting = %v, want %s", msg, want)
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "start_session", "notebookPath": "work/b.py"}); err != nil {
		t.Fatal(err)
	}
	var status map[string]any
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatal(err)
	}
	if status["type"] != "status" || status["sessionResolution"] != ResolutionNew {
		t.Errorf("start_session reply = %v", status)
	}

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}
}

func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, "codex")
	ts := httptest.NewServer(h.server.Handler(context.Background()))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + Route
	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("Dial() succeeded for a foreign origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %+v", resp)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := newHarness(t, "codex")
	h.server.cfg.AllowedOrigins = []string{"https://hub.example.org/"}

	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "localhost:8888", true},
		{"http://localhost:8888", "localhost:8888", true},
		{"http://LOCALHOST:8888", "localhost:8888", true},
		{"http://localhost:9999", "localhost:8888", false},
		{"https://hub.example.org", "localhost:8888", true},
		{"https://other.example.org", "localhost:8888", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, Route, nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.server.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q, host %q) = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}

	h.server.cfg.AllowedOrigins = []string{"*"}
	r := httptest.NewRequest(http.MethodGet, Route, nil)
	r.Header.Set("Origin", "http://anywhere.example")
	if !h.server.checkOrigin(r) {
		t.Error("wildcard origin rejected")
	}
}
