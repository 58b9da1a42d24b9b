package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBridgeURL(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{addr: "127.0.0.1:8765", want: "ws://127.0.0.1:8765/codex/ws"},
		{addr: "http://localhost:8765", want: "ws://localhost:8765/codex/ws"},
		{addr: "https://example.com/", want: "wss://example.com/codex/ws"},
		{addr: "ws://host:1/custom", want: "ws://host:1/custom"},
		{addr: "ftp://host", wantErr: true},
		{addr: "  ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			got, err := BridgeURL(tt.addr, "/codex/ws")
			if tt.wantErr {
				if err == nil {
					t.Fatalf("BridgeURL(%q) = %q, want error", tt.addr, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("BridgeURL(%q) error = %v", tt.addr, err)
			}
			if got != tt.want {
				t.Errorf("BridgeURL(%q) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}

// echoBridge greets like the bridge and answers every frame with an output
// message quoting its type.
func echoBridge(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","protocolVersion":"1.0.0","state":"ready"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`not json`))
		for {
			var in map[string]any
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{"type": "output", "role": "assistant", "text": in["type"]})
		}
	}))
}

func TestClientRoundTrip(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace.jsonl")
	t.Setenv(tuiTraceEnvKey, trace)

	ts := echoBridge(t)
	defer ts.Close()

	wsURL, err := BridgeURL(ts.URL, "/codex/ws")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := Dial(ctx, wsURL)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	got := make(chan ServerMessage, 8)
	done := make(chan error, 1)
	go func() {
		done <- client.ReadLoop(func(msg ServerMessage) { got <- msg })
	}()

	next := func() ServerMessage {
		t.Helper()
		select {
		case msg := <-got:
			return msg
		case <-ctx.Done():
			t.Fatal("timed out waiting for message")
		}
		return ServerMessage{}
	}

	if msg := next(); msg.Type != "status" || msg.State != "ready" {
		t.Errorf("greeting = %+v", msg)
	}

	if err := client.Send(StartSessionRequest{Type: "start_session", NotebookPath: "a.ipynb"}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg := next(); msg.Type != "output" || msg.Text != "start_session" {
		t.Errorf("reply = %+v", msg)
	}

	if err := client.Close(); err != nil {
		t.Logf("Close() error = %v", err)
	}
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("ReadLoop did not return after Close")
	}

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatalf("trace file: %v", err)
	}
	for _, want := range []string{`"kind":"recv"`, `"kind":"send"`, `"kind":"decode_error"`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("trace missing %s:\n%s", want, data)
		}
	}
}

func TestDialFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	wsURL, _ := BridgeURL(ts.URL, "/codex/ws")
	if _, err := Dial(context.Background(), wsURL); err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Dial() error = %v, want 404", err)
	}
}
