package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/oy-ilho/jupyterlab-codex/pkg/catalog"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// Version is stamped on every outbound message.
const Version = "1.0.0"

const (
	StateReady   = "ready"
	StateRunning = "running"
)

// Envelope is the common header of outbound messages.
type Envelope struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocolVersion"`
}

func envelope(t string) Envelope {
	return Envelope{Type: t, ProtocolVersion: Version}
}

// Scope identifies the run and session a message belongs to.
type Scope struct {
	RunID             string `json:"runId,omitempty"`
	SessionID         string `json:"sessionId,omitempty"`
	SessionContextKey string `json:"sessionContextKey,omitempty"`
	NotebookPath      string `json:"notebookPath,omitempty"`
}

// Pairing reports the notebook pairing verdict alongside run state.
type Pairing struct {
	PairedOK      *bool  `json:"pairedOk,omitempty"`
	PairedPath    string `json:"pairedPath,omitempty"`
	PairedOSPath  string `json:"pairedOsPath,omitempty"`
	PairedMessage string `json:"pairedMessage,omitempty"`
	NotebookMode  string `json:"notebookMode,omitempty"`
}

// HistoryEntry is one replayed message in a start_session reply.
type HistoryEntry struct {
	Role             string                    `json:"role"`
	Content          string                    `json:"content"`
	SelectionPreview *session.SelectionPreview `json:"selectionPreview,omitempty"`
}

type Status struct {
	Envelope
	Scope
	Pairing
	State                   string          `json:"state"`
	RunMode                 string          `json:"runMode,omitempty"`
	History                 *[]HistoryEntry `json:"history,omitempty"`
	SessionResolution       string          `json:"sessionResolution,omitempty"`
	SessionResolutionNotice string          `json:"sessionResolutionNotice,omitempty"`
	EffectiveSandbox        string          `json:"effectiveSandbox,omitempty"`
}

type Output struct {
	Envelope
	Scope
	Text string `json:"text"`
	Role string `json:"role"`
}

type Event struct {
	Envelope
	Scope
	Payload json.RawMessage `json:"payload"`
}

type Done struct {
	Envelope
	Scope
	Pairing
	ExitCode    *int   `json:"exitCode"`
	FileChanged bool   `json:"fileChanged"`
	RunMode     string `json:"runMode"`
	Cancelled   bool   `json:"cancelled"`
}

type Error struct {
	Envelope
	Scope
	Pairing
	Message              string `json:"message"`
	RunMode              string `json:"runMode,omitempty"`
	SuggestedCommandPath string `json:"suggestedCommandPath,omitempty"`
}

type CLIDefaults struct {
	Envelope
	Model           string          `json:"model,omitempty"`
	ReasoningEffort string          `json:"reasoningEffort,omitempty"`
	AvailableModels []catalog.Model `json:"availableModels,omitempty"`
}

type RateLimits struct {
	Envelope
	Snapshot *ratelimit.Snapshot `json:"snapshot"`
}

type DeleteAllResult struct {
	Envelope
	OK           bool   `json:"ok"`
	DeletedCount int    `json:"deletedCount"`
	FailedCount  int    `json:"failedCount"`
	Message      string `json:"message"`
}

func NewStatus(state string, scope Scope) Status {
	return Status{Envelope: envelope("status"), Scope: scope, State: state}
}

func NewOutput(scope Scope, role, text string) Output {
	return Output{Envelope: envelope("output"), Scope: scope, Role: role, Text: text}
}

func NewEvent(scope Scope, payload json.RawMessage) Event {
	return Event{Envelope: envelope("event"), Scope: scope, Payload: payload}
}

func NewDone(scope Scope) Done {
	return Done{Envelope: envelope("done"), Scope: scope}
}

func NewError(scope Scope, message string) Error {
	return Error{Envelope: envelope("error"), Scope: scope, Message: message}
}

func NewCLIDefaults(model, reasoningEffort string, models []catalog.Model) CLIDefaults {
	return CLIDefaults{Envelope: envelope("cli_defaults"), Model: model, ReasoningEffort: reasoningEffort, AvailableModels: models}
}

func NewRateLimits(snapshot *ratelimit.Snapshot) RateLimits {
	return RateLimits{Envelope: envelope("rate_limits"), Snapshot: snapshot}
}

// NewDeleteAllResult summarizes a delete_all_sessions request.
func NewDeleteAllResult(deleted, failed int) DeleteAllResult {
	msg := "No conversations found to delete"
	switch {
	case failed > 0:
		msg = fmt.Sprintf("Deleted %d conversations, failed to delete %d", deleted, failed)
	case deleted > 0:
		msg = fmt.Sprintf("Deleted %d conversations", deleted)
	}
	return DeleteAllResult{
		Envelope:     envelope("delete_all_sessions"),
		OK:           failed == 0,
		DeletedCount: deleted,
		FailedCount:  failed,
		Message:      msg,
	}
}

// WithHistory attaches replayed messages, keeping an empty list distinct from none.
func (s Status) WithHistory(entries []HistoryEntry) Status {
	if entries == nil {
		entries = []HistoryEntry{}
	}
	s.History = &entries
	return s
}

// Bool returns a pointer for optional JSON booleans.
func Bool(b bool) *bool { return &b }

// Int returns a pointer for optional JSON integers.
func Int(n int) *int { return &n }

