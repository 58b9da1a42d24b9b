package agent

import (
	"strings"
)

// DefaultExecArgs is the exec-mode argument list used when no base args are configured.
var DefaultExecArgs = []string{"exec", "--json", "--color", "never", "--skip-git-repo-check"}

const reasoningConfigKey = "model_reasoning_effort="

// BuildArgs assembles the exec-mode argument list. Tokens in the base list that
// would conflict with the structured options are removed first so each flag
// appears at most once.
func BuildArgs(opts Options) []string {
	base := opts.BaseArgs
	if len(base) == 0 {
		base = DefaultExecArgs
	}

	args := stripConflictingArgs(base)
	if opts.Model != "" {
		args = append(args, "-m", opts.Model)
	}
	if opts.ReasoningEffort != "" {
		args = append(args, "-c", reasoningConfigKey+`"`+opts.ReasoningEffort+`"`)
	}
	if opts.Sandbox != "" {
		args = append(args, "--sandbox", opts.Sandbox)
	}
	for _, path := range opts.ImagePaths {
		args = append(args, "--image", path)
	}
	if opts.ResumeThreadID != "" {
		args = append(args, "resume", opts.ResumeThreadID)
	}
	return append(args, "-")
}

func stripConflictingArgs(base []string) []string {
	out := make([]string, 0, len(base))
	for i := 0; i < len(base); i++ {
		tok := base[i]
		switch {
		case tok == "-m" || tok == "--model" || tok == "-s" || tok == "--sandbox":
			i++ // drop the value too
		case strings.HasPrefix(tok, "--model=") || strings.HasPrefix(tok, "--sandbox="):
		case tok == "-c" || tok == "--config":
			if i+1 < len(base) && strings.HasPrefix(base[i+1], reasoningConfigKey) {
				i++
				continue
			}
			out = append(out, tok)
		case strings.HasPrefix(tok, "--config="+reasoningConfigKey), strings.HasPrefix(tok, "-c"+reasoningConfigKey):
		case tok == "resume":
			if i+1 < len(base) && !strings.HasPrefix(base[i+1], "-") {
				i++
			}
		case tok == "-":
		default:
			out = append(out, tok)
		}
	}
	return out
}
