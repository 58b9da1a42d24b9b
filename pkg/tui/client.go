package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/oy-ilho/jupyterlab-codex/pkg/catalog"
	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
)

const writeTimeout = 10 * time.Second

// ServerMessage is the union of every message the bridge sends. Fields that
// do not apply to Type are left zero.
type ServerMessage struct {
	Type                    string                  `json:"type"`
	State                   string                  `json:"state,omitempty"`
	RunID                   string                  `json:"runId,omitempty"`
	SessionID               string                  `json:"sessionId,omitempty"`
	NotebookPath            string                  `json:"notebookPath,omitempty"`
	Role                    string                  `json:"role,omitempty"`
	Text                    string                  `json:"text,omitempty"`
	Message                 string                  `json:"message,omitempty"`
	SuggestedCommandPath    string                  `json:"suggestedCommandPath,omitempty"`
	ExitCode                *int                    `json:"exitCode,omitempty"`
	Cancelled               bool                    `json:"cancelled,omitempty"`
	FileChanged             bool                    `json:"fileChanged,omitempty"`
	RunMode                 string                  `json:"runMode,omitempty"`
	History                 []protocol.HistoryEntry `json:"history,omitempty"`
	SessionResolution       string                  `json:"sessionResolution,omitempty"`
	SessionResolutionNotice string                  `json:"sessionResolutionNotice,omitempty"`
	EffectiveSandbox        string                  `json:"effectiveSandbox,omitempty"`
	PairedMessage           string                  `json:"pairedMessage,omitempty"`
	Model                   string                  `json:"model,omitempty"`
	ReasoningEffort         string                  `json:"reasoningEffort,omitempty"`
	AvailableModels         []catalog.Model         `json:"availableModels,omitempty"`
	Snapshot                *ratelimit.Snapshot     `json:"snapshot,omitempty"`
}

// StartSessionRequest opens or resumes the conversation for a notebook.
type StartSessionRequest struct {
	Type           string `json:"type"`
	SessionID      string `json:"sessionId,omitempty"`
	NotebookPath   string `json:"notebookPath"`
	ForceNewThread bool   `json:"forceNewThread,omitempty"`
	CommandPath    string `json:"commandPath,omitempty"`
}

// SendRequest submits one user turn.
type SendRequest struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	NotebookPath    string `json:"notebookPath"`
	Content         string `json:"content"`
	CommandPath     string `json:"commandPath,omitempty"`
	Model           string `json:"model,omitempty"`
	ReasoningEffort string `json:"reasoningEffort,omitempty"`
	Sandbox         string `json:"sandbox,omitempty"`
}

// CancelRequest stops a running turn.
type CancelRequest struct {
	Type      string `json:"type"`
	RunID     string `json:"runId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// Client is a WebSocket connection to a running bridge.
type Client struct {
	url    string
	conn   *websocket.Conn
	mu     sync.Mutex
	tracer *tuiDebugTracer
}

// BridgeURL turns an address or http(s)/ws(s) URL into the bridge endpoint URL.
func BridgeURL(addr, route string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", fmt.Errorf("bridge address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return "", fmt.Errorf("invalid bridge address %q: %w", addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid bridge address %q: missing host", addr)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = route
	}
	return u.String(), nil
}

// Dial connects to the bridge at wsURL.
func Dial(ctx context.Context, wsURL string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s: %s", wsURL, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}
	return &Client{url: wsURL, conn: conn, tracer: newTUIDebugTracerFromEnv()}, nil
}

// URL returns the endpoint the client is connected to.
func (c *Client) URL() string {
	return c.url
}

// Send writes one JSON message.
func (c *Client) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.tracer.trace("send", map[string]interface{}{"frame": json.RawMessage(data)})

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// ReadLoop delivers server messages to fn until the connection closes.
// Frames that fail to decode are skipped.
func (c *Client) ReadLoop(fn func(ServerMessage)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.tracer.trace("decode_error", map[string]interface{}{"error": err.Error(), "bytes": len(data)})
			continue
		}
		c.tracer.trace("recv", map[string]interface{}{"type": msg.Type, "run_id": msg.RunID})
		fn(msg)
	}
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	c.tracer.close()
	return c.conn.Close()
}
