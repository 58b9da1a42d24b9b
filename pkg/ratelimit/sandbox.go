package ratelimit

import (
	"encoding/json"
	"strings"
)

var sandboxModes = map[string]bool{
	"read-only":          true,
	"workspace-write":    true,
	"danger-full-access": true,
}

func sandboxFromFile(path string) string {
	mode := ""
	reverseLines(readTail(path, sandboxTail), func(line string) bool {
		if !strings.Contains(line, "sandbox") {
			return false
		}
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err != nil {
			return false
		}
		mode = sandboxFromEvent(obj)
		return mode != ""
	})
	return mode
}

// sandboxFromEvent reads the sandbox policy from a turn_context record, either
// top level or nested in an event_msg.
func sandboxFromEvent(obj map[string]interface{}) string {
	payload, _ := obj["payload"].(map[string]interface{})
	if payload == nil {
		return ""
	}

	var ctx map[string]interface{}
	switch {
	case obj["type"] == "turn_context":
		ctx = payload
	case payload["type"] == "turn_context":
		ctx, _ = payload["payload"].(map[string]interface{})
	}
	if ctx == nil {
		return ""
	}

	policy := mapPick(ctx, "sandbox_policy", "sandboxPolicy")
	if policy == nil {
		return ""
	}
	raw, ok := pick(policy, "type", "mode").(string)
	if !ok {
		return ""
	}
	mode := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	if !sandboxModes[mode] {
		return ""
	}
	return mode
}
