package agent

import (
	"bytes"
	"encoding/json"
)

// Kind tags a decoded agent event.
type Kind string

const (
	KindThreadStarted Kind = "thread.started"
	KindTurnStarted   Kind = "turn.started"
	KindTurnCompleted Kind = "turn.completed"
	KindTurnFailed    Kind = "turn.failed"
	KindItemStarted   Kind = "item.started"
	KindItemUpdated   Kind = "item.updated"
	KindItemCompleted Kind = "item.completed"
	KindError         Kind = "error"
	// KindStderr carries a chunk of the agent's stderr.
	KindStderr Kind = "stderr"
	// KindRaw carries a stdout line that was not a JSON object.
	KindRaw Kind = "raw"
	// KindOther is any other JSON object; Type holds its wire type.
	KindOther Kind = "other"
)

// Item types reported inside item.* events.
const (
	ItemAgentMessage     = "agent_message"
	ItemReasoning        = "reasoning"
	ItemCommandExecution = "command_execution"
	ItemFileChange       = "file_change"
	ItemError            = "error"
)

// Item is the nested payload of item.started/updated/completed.
type Item struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Message string `json:"message,omitempty"`
	Command string `json:"command,omitempty"`
	Status  string `json:"status,omitempty"`
}

// Event is one decoded unit of agent output.
type Event struct {
	Kind Kind
	// Type is the wire "type" field for JSON events.
	Type     string
	ThreadID string
	Item     *Item
	// Message is set for error and turn.failed events.
	Message string
	// Text is the stderr chunk, the raw line, or a top-level text/delta field.
	Text string
	// Payload is the original JSON object, nil for synthetic events.
	Payload json.RawMessage
}

type wireEvent struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
	Item     *Item  `json:"item"`
	Message  string `json:"message"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
	Text  string `json:"text"`
	Delta string `json:"delta"`
}

// DecodeLine turns one stdout line into an Event. Lines that are not JSON
// objects become KindRaw events rather than being dropped.
func DecodeLine(line []byte) Event {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Event{Kind: KindRaw, Text: string(line)}
	}
	var w wireEvent
	if err := json.Unmarshal(line, &w); err != nil {
		return Event{Kind: KindRaw, Text: string(line)}
	}

	ev := Event{
		Type:     w.Type,
		ThreadID: w.ThreadID,
		Item:     w.Item,
		Message:  w.Message,
		Text:     w.Text,
		Payload:  append(json.RawMessage(nil), line...),
	}
	if ev.Text == "" {
		ev.Text = w.Delta
	}
	if ev.Message == "" && w.Error != nil {
		ev.Message = w.Error.Message
	}

	switch k := Kind(w.Type); k {
	case KindThreadStarted, KindTurnStarted, KindTurnCompleted, KindTurnFailed,
		KindItemStarted, KindItemUpdated, KindItemCompleted, KindError:
		ev.Kind = k
	default:
		ev.Kind = KindOther
	}
	return ev
}

// JSON returns the event as a JSON object suitable for forwarding to a client.
// Synthetic events are rendered as {"type": kind, "text": text}.
func (e Event) JSON() json.RawMessage {
	if len(e.Payload) > 0 {
		return e.Payload
	}
	data, err := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: string(e.Kind), Text: e.Text})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
