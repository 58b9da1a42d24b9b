// Package redact removes secrets from chat content before it is persisted.
package redact

import (
	"math"
	"os"
	"regexp"
	"strings"
)

// Mode represents the redaction mode.
type Mode string

const (
	// ModeOff disables redaction.
	ModeOff Mode = "off"
	// ModeBasic redacts well-known secret shapes (default).
	ModeBasic Mode = "basic"
	// ModeAggressive additionally redacts high-entropy tokens.
	ModeAggressive Mode = "aggressive"

	// DefaultReplacement is substituted for every redacted value.
	DefaultReplacement = "***REDACTED***"

	// minEntropyCandidateLen is the minimum token length considered for entropy-based redaction.
	minEntropyCandidateLen = 20
)

// secretKeyNames are the key spellings treated as secret in key/value assignments.
var secretKeyNames = []string{
	`api[_-]?key`, `apikey`, `secret(?:[_-]?key)?`, `client[_-]?secret`,
	`token`, `auth[_-]?token`, `access[_-]?token`, `refresh[_-]?token`,
	`passw(?:or)?d`, `pwd`, `access[_-]?key`, `private[_-]?key`, `credentials?`,
}

var (
	pemBlockRe   = regexp.MustCompile(`-----BEGIN [A-Za-z0-9+/ -]+-----[\s\S]*?-----END [A-Za-z0-9+/ -]+-----`)
	headerLineRe = regexp.MustCompile(`(?im)^(\s*(?:authorization|proxy-authorization|authentication|x-api-key|x-auth-token|x-github-token|cookie|set-cookie)\s*:\s*)\S[^\r\n]*`)
	bearerRe     = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]{8,}`)
	urlParamRe   = regexp.MustCompile(`(?i)([?&](?:token|key|secret|password|api_key|apikey|access_token|refresh_token|auth_token|authorization)=)[^&\s#'"]+`)
	urlUserinfo  = regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:/\s@]+:)[^@/\s]+@`)
	entropyRe    = regexp.MustCompile(`\b[A-Za-z0-9_\-.]{20,}\b`)
)

// knownPrefixes matches vendor token formats regardless of surrounding context.
var knownPrefixes = []struct {
	prefix string
	re     *regexp.Regexp
}{
	{"ghp_", regexp.MustCompile(`ghp_[A-Za-z0-9_]{32,36}`)},
	{"gho_", regexp.MustCompile(`gho_[A-Za-z0-9_]{32,36}`)},
	{"ghu_", regexp.MustCompile(`ghu_[A-Za-z0-9_]{32,36}`)},
	{"ghs_", regexp.MustCompile(`ghs_[A-Za-z0-9_]{32,36}`)},
	{"github_pat_", regexp.MustCompile(`github_pat_[A-Za-z0-9_]{40,90}`)},
	{"sk_live_", regexp.MustCompile(`sk_live_[A-Za-z0-9_]{24,40}`)},
	{"sk_test_", regexp.MustCompile(`sk_test_[A-Za-z0-9_]{24,40}`)},
	{"sk-", regexp.MustCompile(`\bsk-(?:proj-|ant-)?[A-Za-z0-9_-]{20,120}`)},
	{"hf_", regexp.MustCompile(`\bhf_[A-Za-z0-9_]{26,46}`)},
	{"AKIA", regexp.MustCompile(`\bAKIA[A-Z0-9]{16}`)},
	{"xoxb-", regexp.MustCompile(`xoxb-[A-Za-z0-9-]{20,60}`)},
	{"xoxp-", regexp.MustCompile(`xoxp-[A-Za-z0-9-]{20,60}`)},
	{"ya29.", regexp.MustCompile(`ya29\.[A-Za-z0-9_-]{40,196}`)},
	{"AIza", regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`)},
}

// Redactor handles content redaction.
type Redactor struct {
	mode        Mode
	replacement string
	assignment  *regexp.Regexp
}

// Config holds configuration for a Redactor.
type Config struct {
	Mode        Mode     // off, basic or aggressive; empty means basic
	CustomKeys  []string // extra key names treated as secret in assignments
	Replacement string   // default: "***REDACTED***"
}

// New creates a new Redactor with the given configuration.
func New(cfg Config) *Redactor {
	mode, ok := ParseMode(string(cfg.Mode))
	if !ok {
		mode = ModeBasic
	}

	replacement := cfg.Replacement
	if replacement == "" {
		replacement = DefaultReplacement
	}

	names := append([]string{}, secretKeyNames...)
	for _, key := range cfg.CustomKeys {
		key = strings.TrimSpace(key)
		if key != "" {
			names = append(names, regexp.QuoteMeta(key))
		}
	}
	assignment := regexp.MustCompile(
		`(?i)\b((?:[\w-]*[_-])?(?:` + strings.Join(names, "|") + `))` +
			`(["']?\s*[:=]\s*)` +
			`("[^"\n]*"|'[^'\n]*'|[^\s"',;&}\]]+)`,
	)

	return &Redactor{
		mode:        mode,
		replacement: replacement,
		assignment:  assignment,
	}
}

// ParseMode validates a mode string. Empty input yields ModeBasic.
func ParseMode(s string) (Mode, bool) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeBasic, true
	case ModeOff, ModeBasic, ModeAggressive:
		return m, true
	default:
		return ModeBasic, false
	}
}

// Mode returns the active redaction mode.
func (r *Redactor) Mode() Mode {
	return r.mode
}

// Redact redacts sensitive content from the input data.
func (r *Redactor) Redact(data []byte) []byte {
	return []byte(r.String(string(data)))
}

// String redacts sensitive content from s.
func (r *Redactor) String(content string) string {
	if r == nil || r.mode == ModeOff || content == "" {
		return content
	}

	content = pemBlockRe.ReplaceAllString(content, "-----BEGIN REDACTED-----\n"+r.replacement+"\n-----END REDACTED-----")
	content = headerLineRe.ReplaceAllString(content, "${1}"+r.replacement)
	content = bearerRe.ReplaceAllString(content, "${1} "+r.replacement)
	content = urlUserinfo.ReplaceAllString(content, "${1}"+r.replacement+"@")
	content = urlParamRe.ReplaceAllString(content, "${1}"+r.replacement)
	content = r.redactAssignments(content)
	for _, p := range knownPrefixes {
		content = p.re.ReplaceAllString(content, p.prefix+r.replacement)
	}

	if r.mode == ModeAggressive {
		content = r.redactHighEntropyStrings(content)
	}
	return content
}

// redactAssignments replaces the value side of secret-looking key/value pairs,
// keeping any quotes so structured text stays parseable.
func (r *Redactor) redactAssignments(content string) string {
	return r.assignment.ReplaceAllStringFunc(content, func(match string) string {
		parts := r.assignment.FindStringSubmatch(match)
		if len(parts) != 4 {
			return match
		}
		value := parts[3]
		if len(value) >= 2 && (value[0] == '"' || value[0] == '\'') {
			quote := value[:1]
			return parts[1] + parts[2] + quote + r.replacement + quote
		}
		return parts[1] + parts[2] + r.replacement
	})
}

// redactHighEntropyStrings redacts strings that appear to be high-entropy secrets.
// This is a best-effort heuristic and may have false positives.
func (r *Redactor) redactHighEntropyStrings(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		for _, match := range entropyRe.FindAllString(line, -1) {
			if strings.Contains(match, r.replacement) || isLikelyFalsePositive(match) {
				continue
			}
			if isHighEntropy(match) {
				line = strings.ReplaceAll(line, match, r.replacement)
			}
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n")
}

// isHighEntropy calculates Shannon entropy of a string to determine if it looks like a secret.
func isHighEntropy(s string) bool {
	if len(s) < minEntropyCandidateLen {
		return false
	}

	freq := make(map[rune]float64)
	for _, ch := range s {
		freq[ch]++
	}

	entropy := 0.0
	for _, count := range freq {
		p := count / float64(len(s))
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
	}

	// Natural language sits below ~3.5 bits per char.
	return entropy > 4.0
}

// isLikelyFalsePositive checks if a string is likely a false positive (not a secret).
func isLikelyFalsePositive(s string) bool {
	if strings.Contains(s, "/") || strings.Contains(s, "\\") {
		return true
	}
	if s == strings.ToLower(s) && len(s) < 30 {
		return true
	}
	if s == strings.ToUpper(s) && len(s) < 20 {
		return true
	}
	// snake_case and dotted identifiers
	if strings.Count(s, "_")+strings.Count(s, ".") >= 3 {
		return true
	}

	lowerCount := 0
	for _, ch := range s {
		if ch >= 'a' && ch <= 'z' {
			lowerCount++
		}
	}
	return float64(lowerCount)/float64(len(s)) > 0.7
}

// FromEnv creates a Redactor from environment variables.
// Uses JUPYTERLAB_CODEX_REDACT for mode and JUPYTERLAB_CODEX_REDACT_KEYS for custom keys.
func FromEnv() *Redactor {
	mode, _ := ParseMode(os.Getenv("JUPYTERLAB_CODEX_REDACT"))

	var keys []string
	if raw := os.Getenv("JUPYTERLAB_CODEX_REDACT_KEYS"); raw != "" {
		keys = strings.Split(raw, ",")
	}

	return New(Config{
		Mode:       mode,
		CustomKeys: keys,
	})
}
