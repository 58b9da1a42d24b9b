package session

import (
	"encoding/json"
)

// Limits bounds the growth of a single session log.
type Limits struct {
	// MaxMessages keeps only the most recent N records.
	MaxMessages int `yaml:"max_messages"`
	// MaxPreviewMessages keeps UI previews on the most recent K user records that carry one.
	MaxPreviewMessages int `yaml:"max_preview_messages"`
	// MaxLogBytes is the serialized size budget of the log.
	MaxLogBytes int64 `yaml:"max_log_bytes"`
	// MaxContentChars caps each message's content before it is written.
	MaxContentChars int `yaml:"max_content_chars"`
}

const (
	DefaultMaxMessages        = 100
	DefaultMaxPreviewMessages = 10
	DefaultMaxLogBytes        = 2 << 20
	DefaultMaxContentChars    = 200_000
)

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxMessages:        DefaultMaxMessages,
		MaxPreviewMessages: DefaultMaxPreviewMessages,
		MaxLogBytes:        DefaultMaxLogBytes,
		MaxContentChars:    DefaultMaxContentChars,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxMessages <= 0 {
		l.MaxMessages = d.MaxMessages
	}
	if l.MaxPreviewMessages <= 0 {
		l.MaxPreviewMessages = d.MaxPreviewMessages
	}
	if l.MaxLogBytes <= 0 {
		l.MaxLogBytes = d.MaxLogBytes
	}
	if l.MaxContentChars <= 0 {
		l.MaxContentChars = d.MaxContentChars
	}
	return l
}

// applyLimits runs the bounding passes in order and reports whether anything changed.
//
//  1. keep the last MaxMessages records
//  2. strip UI previews from all but the newest MaxPreviewMessages user records
//  3. drop from the oldest end until the log fits MaxLogBytes, always keeping the newest record
func applyLimits(records []record, l Limits) ([]record, bool) {
	changed := false

	if len(records) > l.MaxMessages {
		records = records[len(records)-l.MaxMessages:]
		changed = true
	}

	previews := 0
	for i := len(records) - 1; i >= 0; i-- {
		r := &records[i]
		if r.msg.Role != RoleUser || r.msg.UI == nil {
			continue
		}
		previews++
		if previews <= l.MaxPreviewMessages {
			continue
		}
		r.msg.UI = nil
		raw, err := json.Marshal(r.msg)
		if err != nil {
			continue
		}
		r.raw = raw
		changed = true
	}

	var total int64
	for _, r := range records {
		total += int64(len(r.raw)) + 1
	}
	drop := 0
	for total > l.MaxLogBytes && drop < len(records)-1 {
		total -= int64(len(records[drop].raw)) + 1
		drop++
	}
	if drop > 0 {
		records = records[drop:]
		changed = true
	}

	return records, changed
}
