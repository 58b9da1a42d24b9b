package run

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	// AuthHint is shown once per turn when codex reports missing credentials.
	AuthHint = "Authentication required: open a terminal and run `codex` (or `codex login`) to sign in, then retry."
	// FallbackNotice is shown when a turn switches to history replay.
	FallbackNotice = "Resume was unavailable for this turn. This turn was handled in fallback mode."

	unstableFeaturesMarker = "suppress_unstable_features_warning"

	// maxStderrScan caps how much stderr is kept for auth detection.
	maxStderrScan = 64 << 10
)

var noisyStderrPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bcodex_core::rollout::list:\s+state db (?:missing|returned stale) rollout path for thread\b`),
}

// isAuthFailure recognizes codex's stderr when the upstream API rejected its credentials.
func isAuthFailure(text string) bool {
	lower := strings.ToLower(text)
	if lower == "" {
		return false
	}
	if strings.Contains(lower, "missing bearer or basic authentication") {
		return true
	}
	return strings.Contains(lower, "401 unauthorized") && strings.Contains(lower, "api.openai.com")
}

// stripNoisyStderr drops rollout index warnings codex prints on most resumes.
func stripNoisyStderr(text string) string {
	if text == "" {
		return ""
	}
	var b strings.Builder
	for _, line := range strings.SplitAfter(text, "\n") {
		if isNoisy(line) {
			continue
		}
		b.WriteString(line)
	}
	return b.String()
}

func isNoisy(line string) bool {
	for _, p := range noisyStderrPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// systemText normalizes an agent error message for display. It returns ""
// for messages that should not be shown.
func systemText(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" || strings.Contains(msg, unstableFeaturesMarker) {
		return ""
	}
	return msg
}

func notFoundMessage(requested, suggested string) string {
	if requested == "" {
		requested = "codex"
	}
	if suggested != "" {
		return fmt.Sprintf("Cannot find executable '%s'. Detected server-side path: %s. Set this path in settings and retry.", requested, suggested)
	}
	return fmt.Sprintf("Cannot find executable '%s'. Run `which codex` in terminal and paste the output path into settings.", requested)
}

func exitMessage(code int) string {
	return fmt.Sprintf("Codex exited with code %d", code)
}
