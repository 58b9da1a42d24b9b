// Package jsonrpc implements the newline-delimited JSON-RPC 2.0 framing spoken
// by `codex app-server`.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
)

// JSON-RPC 2.0 specification types
// See: https://www.jsonrpc.org/specification

const Version = "2.0"

// Request represents a JSON-RPC 2.0 request. A nil ID makes it a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Message is any inbound line: a response, or a server-initiated request or notification.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error represents a JSON-RPC 2.0 error object
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// NewRequest builds a request with an integer id.
func NewRequest(id int, method string, params interface{}) (*Request, error) {
	req, err := NewNotification(method, params)
	if err != nil {
		return nil, err
	}
	req.ID = id
	return req, nil
}

// NewNotification builds a request without an id.
func NewNotification(method string, params interface{}) (*Request, error) {
	req := &Request{JSONRPC: Version, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params for %s: %w", method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// ParseMessage decodes one line.
func ParseMessage(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, &Error{Code: ErrCodeParseError, Message: "Parse error"}
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, &Error{Code: ErrCodeParseError, Message: "Parse error"}
	}
	return &msg, nil
}

// IsResponse reports whether the message answers a request rather than calling a method.
func (m *Message) IsResponse() bool {
	return m.Method == "" && len(m.ID) > 0 && string(m.ID) != "null"
}

// HasID reports whether the message id equals id. Numeric and string ids both match.
func (m *Message) HasID(id int) bool {
	raw := bytes.TrimSpace(m.ID)
	if len(raw) == 0 {
		return false
	}
	want := strconv.Itoa(id)
	if string(raw) == want {
		return true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == want
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f == float64(id)
	}
	return false
}

// Writer encodes one JSON value per line. It is safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// Write encodes v followed by a newline.
func (w *Writer) Write(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(v); err != nil {
		return fmt.Errorf("failed to write json line: %w", err)
	}
	return nil
}
