package session

import (
	"bytes"
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

const (
	maxLocationLabelChars = 80
	maxPreviewTextChars   = 1000
	truncatedSuffix       = "\n...[truncated]"
)

// Message is one persisted record of a session log.
type Message struct {
	Role      Role   `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	UI        *UI    `json:"ui,omitempty"`
}

// UI carries presentation hints the client attached to a user message.
type UI struct {
	SelectionPreview *SelectionPreview `json:"selectionPreview,omitempty"`
}

// SelectionPreview describes the code selection shown above a user message.
type SelectionPreview struct {
	LocationLabel string `json:"locationLabel"`
	PreviewText   string `json:"previewText"`
}

// NormalizeUI collapses whitespace and caps preview fields. It returns nil when nothing remains.
func NormalizeUI(ui *UI) *UI {
	if ui == nil || ui.SelectionPreview == nil {
		return nil
	}
	label := strings.Join(strings.Fields(ui.SelectionPreview.LocationLabel), " ")
	text := strings.ReplaceAll(ui.SelectionPreview.PreviewText, "\r\n", "\n")
	text = strings.TrimSpace(strings.ReplaceAll(text, "\r", "\n"))
	if label == "" || text == "" {
		return nil
	}
	return &UI{SelectionPreview: &SelectionPreview{
		LocationLabel: truncateRunes(label, maxLocationLabelChars, ""),
		PreviewText:   truncateRunes(text, maxPreviewTextChars, ""),
	}}
}

// truncateRunes cuts s to at most max runes, appending suffix when it cut anything.
func truncateRunes(s string, max int, suffix string) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + suffix
		}
		n++
	}
	return s
}

// record is a parsed log line together with its encoded form.
type record struct {
	raw []byte
	msg Message
}

// decodeLog splits a JSONL log into records, skipping lines that are not JSON objects.
// dropped counts the skipped non-empty lines.
func decodeLog(data []byte) (records []record, dropped int) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' {
			dropped++
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			dropped++
			continue
		}
		records = append(records, record{raw: append([]byte(nil), line...), msg: msg})
	}
	return records, dropped
}

// encodeLog joins records back into JSONL with a trailing newline.
func encodeLog(records []record) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		buf.Write(r.raw)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
