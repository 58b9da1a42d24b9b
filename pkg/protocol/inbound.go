// Package protocol defines the JSON messages exchanged with the JupyterLab
// client over the control channel.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// Type is the discriminator carried in every message's "type" field.
type Type string

const (
	TypeStartSession      Type = "start_session"
	TypeSend              Type = "send"
	TypeCancel            Type = "cancel"
	TypeDeleteSession     Type = "delete_session"
	TypeDeleteAllSessions Type = "delete_all_sessions"
	TypeEndSession        Type = "end_session"
	TypeRefreshRateLimits Type = "refresh_rate_limits"
)

var (
	ErrInvalidJSON    = errors.New("Invalid JSON")
	ErrInvalidPayload = errors.New("Invalid message payload")
	ErrUnknownType    = errors.New("Unknown message type")
)

// Inbound is a parsed client message.
type Inbound interface {
	MessageType() Type
}

type StartSession struct {
	SessionID         string
	NotebookPath      string
	SessionContextKey string
	ForceNewThread    bool
	CommandPath       string
}

type Send struct {
	SessionID         string
	SessionContextKey string
	Content           string
	NotebookPath      string
	CommandPath       string
	Model             string
	ReasoningEffort   string
	Sandbox           string
	Selection         string
	CellOutput        string
	// Images is kept raw so that a non-list value can be rejected later.
	Images             json.RawMessage
	UISelectionPreview *session.SelectionPreview
}

type Cancel struct {
	RunID     string
	SessionID string
}

type DeleteSession struct {
	SessionID    string
	NotebookPath string
}

type DeleteAllSessions struct{}

type EndSession struct {
	SessionID string
}

type RefreshRateLimits struct{}

func (StartSession) MessageType() Type      { return TypeStartSession }
func (Send) MessageType() Type              { return TypeSend }
func (Cancel) MessageType() Type            { return TypeCancel }
func (DeleteSession) MessageType() Type     { return TypeDeleteSession }
func (DeleteAllSessions) MessageType() Type { return TypeDeleteAllSessions }
func (EndSession) MessageType() Type        { return TypeEndSession }
func (RefreshRateLimits) MessageType() Type { return TypeRefreshRateLimits }

type fields map[string]json.RawMessage

// str returns a trimmed string field; any non-string value reads as "".
func (f fields) str(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// raw returns the string at key as sent.
func (f fields) raw(key string) string {
	var s string
	if err := json.Unmarshal(f[key], &s); err != nil {
		return ""
	}
	return s
}

// flag accepts JSON booleans and the strings 1, true, y, yes and on.
func (f fields) flag(key string) bool {
	raw := f[key]
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "1", "true", "y", "yes", "on":
			return true
		}
	}
	return false
}

func (f fields) preview(key string) *session.SelectionPreview {
	var p struct {
		LocationLabel *string `json:"locationLabel"`
		PreviewText   *string `json:"previewText"`
	}
	if err := json.Unmarshal(f[key], &p); err != nil || p.LocationLabel == nil || p.PreviewText == nil {
		return nil
	}
	ui := session.NormalizeUI(&session.UI{SelectionPreview: &session.SelectionPreview{
		LocationLabel: *p.LocationLabel,
		PreviewText:   *p.PreviewText,
	}})
	if ui == nil {
		return nil
	}
	return ui.SelectionPreview
}

// Parse decodes one client message.
func Parse(data []byte) (Inbound, error) {
	data = bytes.TrimSpace(data)
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}
	var f fields
	if err := json.Unmarshal(data, &f); err != nil || f == nil {
		return nil, ErrInvalidPayload
	}

	var typ string
	_ = json.Unmarshal(f["type"], &typ)

	switch Type(typ) {
	case TypeStartSession:
		return StartSession{
			SessionID:         f.str("sessionId"),
			NotebookPath:      f.str("notebookPath"),
			SessionContextKey: f.str("sessionContextKey"),
			ForceNewThread:    f.flag("forceNewThread"),
			CommandPath:       f.str("commandPath"),
		}, nil
	case TypeSend:
		return Send{
			SessionID:          f.str("sessionId"),
			SessionContextKey:  f.str("sessionContextKey"),
			Content:            f.raw("content"),
			NotebookPath:       f.str("notebookPath"),
			CommandPath:        f.str("commandPath"),
			Model:              f.str("model"),
			ReasoningEffort:    f.str("reasoningEffort"),
			Sandbox:            f.str("sandbox"),
			Selection:          f.str("selection"),
			CellOutput:         f.str("cellOutput"),
			Images:             f["images"],
			UISelectionPreview: f.preview("uiSelectionPreview"),
		}, nil
	case TypeCancel:
		return Cancel{RunID: f.str("runId"), SessionID: f.str("sessionId")}, nil
	case TypeDeleteSession:
		return DeleteSession{SessionID: f.str("sessionId"), NotebookPath: f.str("notebookPath")}, nil
	case TypeDeleteAllSessions:
		return DeleteAllSessions{}, nil
	case TypeEndSession:
		return EndSession{SessionID: f.str("sessionId")}, nil
	case TypeRefreshRateLimits:
		return RefreshRateLimits{}, nil
	}
	return nil, ErrUnknownType
}
