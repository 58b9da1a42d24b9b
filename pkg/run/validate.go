package run

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/oy-ilho/jupyterlab-codex/pkg/attachment"
)

const maxModelNameLen = 128

var (
	modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]*$`)
	effortPattern    = regexp.MustCompile(`^[a-z][a-z0-9._-]*$`)
)

// SandboxModes are the sandbox policies codex accepts.
var SandboxModes = []string{"read-only", "workspace-write", "danger-full-access"}

// ValidationError rejects a turn before any process is spawned. Message is
// shown to the user verbatim.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// SanitizeModel returns the trimmed model name, or false if it is malformed.
func SanitizeModel(v string) (string, bool) {
	m := strings.TrimSpace(v)
	if m == "" || len(m) > maxModelNameLen || !modelNamePattern.MatchString(m) {
		return "", false
	}
	return m, true
}

// SanitizeReasoningEffort lowercases v and checks its syntax.
func SanitizeReasoningEffort(v string) (string, bool) {
	e := strings.ToLower(strings.TrimSpace(v))
	if e == "" || !effortPattern.MatchString(e) {
		return "", false
	}
	return e, true
}

// SanitizeSandbox lowercases v and checks it against SandboxModes.
func SanitizeSandbox(v string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(v))
	for _, mode := range SandboxModes {
		if m == mode {
			return m, true
		}
	}
	return "", false
}

// validated holds the request fields after sanitizing.
type validated struct {
	model   string
	effort  string
	sandbox string
	images  []attachment.Decoded
}

// validate checks a turn request in the order the client expects errors:
// content, model, reasoning effort, sandbox, then attachments.
func validate(req Request) (validated, error) {
	var v validated

	images, imagesErr := attachment.Parse(req.Images)
	hasImages := imagesErr != nil || len(images) > 0
	if req.Content == "" && !hasImages {
		return v, invalid("Empty content")
	}

	if req.Model != "" {
		m, ok := SanitizeModel(req.Model)
		if !ok {
			return v, invalid("Invalid model name")
		}
		v.model = m
	}
	if req.ReasoningEffort != "" {
		e, ok := SanitizeReasoningEffort(req.ReasoningEffort)
		if !ok {
			return v, invalid("Invalid reasoning level")
		}
		v.effort = e
	}
	if req.Sandbox != "" {
		s, ok := SanitizeSandbox(req.Sandbox)
		if !ok {
			return v, invalid("Invalid sandbox mode")
		}
		v.sandbox = s
	}

	if imagesErr != nil {
		return v, invalid(imagesErr.Error())
	}
	decoded, err := attachment.Decode(images)
	if err != nil {
		return v, invalid(err.Error())
	}
	v.images = decoded
	return v, nil
}

// EncodeImages renders attachments as the raw images field of a Request.
func EncodeImages(images []attachment.Image) json.RawMessage {
	if len(images) == 0 {
		return nil
	}
	data, err := json.Marshal(images)
	if err != nil {
		return nil
	}
	return data
}
