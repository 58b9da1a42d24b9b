// Package run coordinates one conversational turn: it validates the request,
// decides between resuming the agent's thread and replaying history, drives
// the agent process, and records the outcome in the session store.
package run

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	"github.com/oy-ilho/jupyterlab-codex/pkg/attachment"
	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/notebook"
	"github.com/oy-ilho/jupyterlab-codex/pkg/prompt"
	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// Run modes reported in status and done messages.
const (
	ModeResume   = "resume"
	ModeFallback = "fallback"
)

// State is the position of a turn in the resume/fallback state machine.
type State string

const (
	StateInitial           State = "initial"
	StateResumeAttempted   State = "resume_attempted"
	StateResumed           State = "resumed"
	StateFallbackRequested State = "fallback_requested"
	StateFallbackRunning   State = "fallback_running"
	StateDone              State = "done"
	StateCancelled         State = "cancelled"
)

// Emitter receives the outbound protocol messages of a turn. Implementations
// must be safe for use from multiple goroutines.
type Emitter interface {
	Emit(msg any)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(msg any)

func (f EmitterFunc) Emit(msg any) { f(msg) }

// Request is one send from the client.
type Request struct {
	// RunID is generated when empty.
	RunID string
	// SessionID is generated when empty.
	SessionID         string
	SessionContextKey string
	NotebookPath      string
	Content           string
	CommandPath       string
	Model             string
	ReasoningEffort   string
	Sandbox           string
	Selection         string
	CellOutput        string
	Images            json.RawMessage
	UI                *session.UI
}

// RequestFromSend converts a parsed send message.
func RequestFromSend(msg protocol.Send) Request {
	req := Request{
		SessionID:         msg.SessionID,
		SessionContextKey: msg.SessionContextKey,
		NotebookPath:      msg.NotebookPath,
		Content:           msg.Content,
		CommandPath:       msg.CommandPath,
		Model:             msg.Model,
		ReasoningEffort:   msg.ReasoningEffort,
		Sandbox:           msg.Sandbox,
		Selection:         msg.Selection,
		CellOutput:        msg.CellOutput,
		Images:            msg.Images,
	}
	if msg.UISelectionPreview != nil {
		req.UI = &session.UI{SelectionPreview: msg.UISelectionPreview}
	}
	return req
}

// Result summarizes a finished turn.
type Result struct {
	RunID     string
	SessionID string
	RunMode   string
	State     State
	// ExitCode is nil when the turn was cancelled or never reached the agent.
	ExitCode    *int
	Cancelled   bool
	FileChanged bool
	Text        string
}

// PairingError rejects a turn whose notebook is missing its paired file.
type PairingError struct {
	Message string
}

func (e *PairingError) Error() string { return e.Message }

// Config wires a Coordinator.
type Config struct {
	Store      *session.Store
	Supervisor *agent.Supervisor
	Prompts    *prompt.Compiler
	// RateLimits is optional; when set a snapshot is emitted after every turn.
	RateLimits *ratelimit.Scanner
	Registry   *Registry

	// Command is the agent executable used when a request names none.
	Command  string
	BaseArgs []string
	Env      []string
	// Model, ReasoningEffort and Sandbox are defaults for requests that omit them.
	Model           string
	ReasoningEffort string
	Sandbox         string

	// NotebookRoot resolves relative notebook paths.
	NotebookRoot string
	// TempDir holds materialized attachments; os.TempDir when empty.
	TempDir string
	NewID   func() string
}

// Coordinator runs turns.
type Coordinator struct {
	cfg      Config
	registry *Registry
	newID    func() string
}

// NewCoordinator returns a Coordinator. Store, Supervisor and Prompts are required.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil || cfg.Supervisor == nil || cfg.Prompts == nil {
		return nil, errors.New("run: store, supervisor and prompt compiler are required")
	}
	reg := cfg.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Coordinator{cfg: cfg, registry: reg, newID: newID}, nil
}

// Registry exposes the in-flight runs.
func (c *Coordinator) Registry() *Registry { return c.registry }

// Cancel stops a run by id. It reports false when the run is unknown or has
// already finished.
func (c *Coordinator) Cancel(runID string) (Info, bool) {
	info, ok := c.registry.Cancel(runID)
	if ok {
		codexlog.Info("cancelling run", "run_id", runID, "session_id", info.SessionID)
	}
	return info, ok
}

// CancelSession stops the run attached to sessionID, following renames.
func (c *Coordinator) CancelSession(sessionID string) (Info, bool) {
	info, ok := c.registry.RunForSession(sessionID)
	if !ok {
		return Info{}, false
	}
	return c.Cancel(info.ID)
}

// EffectiveSandbox reports the sandbox codex last recorded for a thread.
func (c *Coordinator) EffectiveSandbox(sessionID string) string {
	if c.cfg.RateLimits == nil || sessionID == "" {
		return ""
	}
	return c.cfg.RateLimits.EffectiveSandbox(sessionID, false)
}

// Run executes one turn and blocks until its outcome has been emitted.
// Validation, pairing and busy-session failures are emitted as error messages
// and also returned. Agent failures are reported through out and do not
// produce an error.
func (c *Coordinator) Run(ctx context.Context, req Request, out Emitter) (*Result, error) {
	if req.RunID == "" {
		req.RunID = c.newID()
	}
	if strings.TrimSpace(req.SessionID) == "" {
		req.SessionID = c.newID()
	}
	scope := protocol.Scope{
		RunID:             req.RunID,
		SessionID:         req.SessionID,
		SessionContextKey: req.SessionContextKey,
		NotebookPath:      req.NotebookPath,
	}

	v, err := validate(req)
	if err == nil && !session.ValidID(req.SessionID) {
		err = invalid("Invalid session id")
	}
	if err != nil {
		codexlog.Debug("rejected turn", "run_id", req.RunID, "error", err)
		out.Emit(protocol.NewError(scope, err.Error()))
		return nil, err
	}

	osPath := notebook.ResolveOSPath(c.cfg.NotebookRoot, req.NotebookPath)
	t := &turn{
		c:       c,
		req:     req,
		out:     out,
		scope:   scope,
		pairing: notebook.Pairing(req.NotebookPath, osPath),
		osPath:  osPath,
		mode:    ModeResume,
		state:   StateInitial,
		opts: agent.Options{
			Executable:      firstNonEmpty(req.CommandPath, c.cfg.Command),
			BaseArgs:        c.cfg.BaseArgs,
			Model:           firstNonEmpty(v.model, c.cfg.Model),
			ReasoningEffort: firstNonEmpty(v.effort, c.cfg.ReasoningEffort),
			Sandbox:         firstNonEmpty(v.sandbox, c.cfg.Sandbox),
			Env:             c.cfg.Env,
		},
	}

	if !t.pairing.OK {
		msg := t.pairing.Message
		if msg == "" {
			msg = "Jupytext paired file is required for this extension."
		}
		out.Emit(t.errorMsg(msg))
		out.Emit(t.status(protocol.StateReady))
		return nil, &PairingError{Message: msg}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := c.registry.Begin(Info{
		ID:                req.RunID,
		SessionID:         req.SessionID,
		SessionContextKey: req.SessionContextKey,
		NotebookPath:      req.NotebookPath,
	}, cancel); err != nil {
		out.Emit(t.errorMsg(err.Error()))
		return nil, err
	}
	defer c.registry.End(req.RunID)
	defer c.emitRateLimits(out)

	return t.execute(runCtx, v.images), nil
}

func (c *Coordinator) emitRateLimits(out Emitter) {
	if c.cfg.RateLimits == nil {
		return
	}
	out.Emit(protocol.NewRateLimits(c.cfg.RateLimits.Latest(false)))
}

// turn is the per-request state of the resume/fallback machine.
type turn struct {
	c       *Coordinator
	req     Request
	out     Emitter
	scope   protocol.Scope
	pairing notebook.Status
	osPath  string
	opts    agent.Options

	mode         string
	state        State
	resumeTarget string
	text         strings.Builder
	authHinted   bool
	userLogged   bool
}

// invocation tracks one agent process within a turn.
type invocation struct {
	resume     string
	threadSeen bool
	mismatch   bool
	abort      context.CancelFunc
	// stderr holds the invocation's stderr so far; codex splits one error
	// across several lines.
	stderr strings.Builder
}

func (t *turn) setState(s State) {
	codexlog.Debug("turn state", "run_id", t.scope.RunID, "from", t.state, "to", s)
	t.state = s
}

func (t *turn) execute(ctx context.Context, images []attachment.Decoded) *Result {
	store := t.c.cfg.Store
	sid := t.scope.SessionID

	if err := store.Ensure(sid, t.req.NotebookPath, t.osPath); err != nil {
		codexlog.Warn("failed to ensure session", "session_id", sid, "error", err)
	}
	if t.req.NotebookPath != "" {
		if err := store.UpdateNotebookPath(sid, t.req.NotebookPath, t.osPath); err != nil {
			codexlog.Warn("failed to update notebook path", "session_id", sid, "error", err)
		}
	}

	history, err := store.Load(sid)
	if err != nil {
		codexlog.Warn("failed to load session history", "session_id", sid, "error", err)
	}
	if hasConversation(history) {
		t.resumeTarget = sid
	}

	t.opts.WorkingDir = workingDir(t.osPath)
	watch := notebook.WatchPaths(t.osPath)
	before := notebook.Signatures(watch)

	promptCfg := prompt.Config{Mode: string(t.pairing.Mode), WorkingDir: t.opts.WorkingDir}
	promptTurn := prompt.Turn{Selection: t.req.Selection, CellOutput: t.req.CellOutput, Content: t.req.Content}

	t.out.Emit(t.status(protocol.StateRunning))

	files, err := attachment.Materialize(t.c.cfg.TempDir, images)
	if err != nil {
		return t.fail(err.Error(), before, watch)
	}
	defer func() {
		if err := files.Cleanup(); err != nil {
			codexlog.Warn("failed to remove attachments", "run_id", t.scope.RunID, "error", err)
		}
	}()
	t.opts.ImagePaths = files.Paths

	text, err := t.c.cfg.Prompts.Build(promptCfg, promptTurn)
	if err != nil {
		return t.fail(err.Error(), before, watch)
	}

	var code int
	for {
		inv := &invocation{resume: t.resumeTarget}
		if inv.resume != "" {
			t.setState(StateResumeAttempted)
		}
		code, err = t.invoke(ctx, inv, text)

		if ctx.Err() != nil {
			return t.cancelled(before, watch)
		}
		if inv.resume == "" {
			break
		}
		silentFailure := err == nil && code != 0 && t.text.Len() == 0 && !t.authHinted
		if !inv.mismatch && !silentFailure {
			t.setState(StateResumed)
			break
		}

		t.setState(StateFallbackRequested)
		codexlog.Info("resume unavailable, falling back to history replay",
			"run_id", t.scope.RunID, "session_id", t.scope.SessionID,
			"mismatch", inv.mismatch, "exit_code", code)
		t.mode = ModeFallback
		t.resumeTarget = ""
		t.text.Reset()
		t.out.Emit(t.output(session.RoleSystem, FallbackNotice))
		t.out.Emit(t.status(protocol.StateRunning))

		history, _ := store.Load(t.scope.SessionID)
		promptTurn.History = conversation(history)
		if text, err = t.c.cfg.Prompts.Build(promptCfg, promptTurn); err != nil {
			return t.fail(err.Error(), before, watch)
		}
		t.setState(StateFallbackRunning)
	}

	if err != nil {
		var notFound *agent.ExecutableNotFoundError
		if errors.As(err, &notFound) {
			t.appendUser()
			msg := t.errorMsg(notFoundMessage(notFound.Requested, notFound.Suggested))
			msg.SuggestedCommandPath = notFound.Suggested
			t.out.Emit(msg)
			t.out.Emit(t.status(protocol.StateReady))
			t.setState(StateDone)
			return t.result(nil, false, false)
		}
		return t.fail(err.Error(), before, watch)
	}

	t.appendUser()
	t.appendAssistant()
	changed := notebook.Changed(before, notebook.Signatures(watch))
	if code != 0 && t.text.Len() == 0 && !t.authHinted {
		t.out.Emit(t.errorMsg(exitMessage(code)))
	}
	done := t.done(protocol.Int(code), changed, false)
	t.out.Emit(done)
	t.out.Emit(t.status(protocol.StateReady))
	t.setState(StateDone)
	codexlog.Info("turn finished", "run_id", t.scope.RunID, "session_id", t.scope.SessionID,
		"run_mode", t.mode, "exit_code", code)
	return t.result(protocol.Int(code), false, changed)
}

// invoke runs the agent once. A resume mismatch aborts the process and is
// reported through inv.mismatch.
func (t *turn) invoke(ctx context.Context, inv *invocation, prompt string) (int, error) {
	invCtx, abort := context.WithCancel(ctx)
	defer abort()
	inv.abort = abort

	opts := t.opts
	opts.ResumeThreadID = inv.resume
	code, err := t.c.cfg.Supervisor.Run(invCtx, prompt, opts, func(ev agent.Event) {
		t.handle(inv, ev)
	})
	if inv.mismatch && ctx.Err() == nil {
		return code, nil
	}
	return code, err
}

// handle classifies one agent event. The supervisor serializes calls.
func (t *turn) handle(inv *invocation, ev agent.Event) {
	if inv.mismatch {
		return
	}
	switch ev.Kind {
	case agent.KindThreadStarted:
		t.threadStarted(inv, strings.TrimSpace(ev.ThreadID))
	case agent.KindStderr:
		if inv.stderr.Len() < maxStderrScan {
			inv.stderr.WriteString(ev.Text)
		}
		if isAuthFailure(ev.Text) || isAuthFailure(inv.stderr.String()) {
			if !t.authHinted {
				t.authHinted = true
				t.out.Emit(t.output(session.RoleSystem, AuthHint))
			}
			return
		}
		text := stripNoisyStderr(ev.Text)
		if strings.TrimSpace(text) == "" {
			return
		}
		t.out.Emit(protocol.NewEvent(t.scope, agent.Event{Kind: agent.KindStderr, Text: text}.JSON()))
	case agent.KindItemCompleted:
		if ev.Item != nil {
			switch ev.Item.Type {
			case agent.ItemAgentMessage:
				if ev.Item.Text != "" {
					t.assistant(ev.Item.Text)
					return
				}
			case agent.ItemError:
				t.system(ev.Item.Message)
				return
			}
		}
		if ev.Text != "" {
			t.assistant(ev.Text)
			return
		}
		t.forward(ev)
	case agent.KindError, agent.KindTurnFailed:
		if ev.Message == "" {
			t.forward(ev)
			return
		}
		t.system(ev.Message)
	case agent.KindRaw:
		if ev.Text != "" {
			t.assistant(ev.Text)
		}
	default:
		t.forward(ev)
	}
}

func (t *turn) threadStarted(inv *invocation, threadID string) {
	if threadID == "" {
		return
	}
	if inv.resume != "" {
		if !inv.threadSeen && threadID != inv.resume {
			codexlog.Info("resume thread mismatch", "run_id", t.scope.RunID,
				"requested", inv.resume, "started", threadID)
			inv.mismatch = true
			inv.abort()
		}
		inv.threadSeen = true
		return
	}
	if threadID == t.scope.SessionID {
		return
	}
	if !session.ValidID(threadID) {
		codexlog.Warn("ignoring unusable thread id", "run_id", t.scope.RunID, "thread_id", threadID)
		return
	}

	old := t.scope.SessionID
	if err := t.c.cfg.Store.Rename(old, threadID); err != nil {
		codexlog.Warn("failed to rename session", "from", old, "to", threadID, "error", err)
		return
	}
	t.c.registry.Rename(t.scope.RunID, threadID)
	t.scope.SessionID = threadID
	codexlog.Info("session adopted agent thread id", "run_id", t.scope.RunID, "from", old, "to", threadID)
	t.out.Emit(t.status(protocol.StateRunning))
}

func (t *turn) assistant(text string) {
	t.text.WriteString(text)
	t.out.Emit(t.output(session.RoleAssistant, text))
}

func (t *turn) system(msg string) {
	if text := systemText(msg); text != "" {
		t.out.Emit(t.output(session.RoleSystem, text))
	}
}

func (t *turn) forward(ev agent.Event) {
	t.out.Emit(protocol.NewEvent(t.scope, ev.JSON()))
}

func (t *turn) appendUser() {
	if t.userLogged {
		return
	}
	t.userLogged = true
	if err := t.c.cfg.Store.Append(t.scope.SessionID, session.RoleUser, t.req.Content, t.req.UI); err != nil {
		codexlog.Warn("failed to record user message", "session_id", t.scope.SessionID, "error", err)
	}
}

func (t *turn) appendAssistant() {
	if t.text.Len() == 0 {
		return
	}
	if err := t.c.cfg.Store.Append(t.scope.SessionID, session.RoleAssistant, t.text.String(), nil); err != nil {
		codexlog.Warn("failed to record assistant message", "session_id", t.scope.SessionID, "error", err)
	}
}

func (t *turn) cancelled(before map[string]string, watch []string) *Result {
	t.appendUser()
	t.appendAssistant()
	changed := notebook.Changed(before, notebook.Signatures(watch))
	t.out.Emit(t.done(nil, changed, true))
	t.out.Emit(t.status(protocol.StateReady))
	t.setState(StateCancelled)
	codexlog.Info("turn cancelled", "run_id", t.scope.RunID, "session_id", t.scope.SessionID)
	return t.result(nil, true, changed)
}

func (t *turn) fail(msg string, before map[string]string, watch []string) *Result {
	t.appendUser()
	codexlog.Error("turn failed", "run_id", t.scope.RunID, "session_id", t.scope.SessionID, "error", msg)
	t.out.Emit(t.errorMsg(msg))
	t.out.Emit(t.status(protocol.StateReady))
	t.setState(StateDone)
	return t.result(nil, false, notebook.Changed(before, notebook.Signatures(watch)))
}

func (t *turn) result(code *int, cancelled, changed bool) *Result {
	return &Result{
		RunID:       t.scope.RunID,
		SessionID:   t.scope.SessionID,
		RunMode:     t.mode,
		State:       t.state,
		ExitCode:    code,
		Cancelled:   cancelled,
		FileChanged: changed,
		Text:        t.text.String(),
	}
}

func (t *turn) pairingFields() protocol.Pairing {
	return protocol.Pairing{
		PairedOK:      protocol.Bool(t.pairing.OK),
		PairedPath:    t.pairing.PairedPath,
		PairedOSPath:  t.pairing.PairedOSPath,
		PairedMessage: t.pairing.Message,
		NotebookMode:  string(t.pairing.Mode),
	}
}

func (t *turn) status(state string) protocol.Status {
	s := protocol.NewStatus(state, t.scope)
	s.Pairing = t.pairingFields()
	s.RunMode = t.mode
	s.EffectiveSandbox = t.c.EffectiveSandbox(t.scope.SessionID)
	return s
}

func (t *turn) output(role session.Role, text string) protocol.Output {
	return protocol.NewOutput(t.scope, string(role), text)
}

func (t *turn) errorMsg(msg string) protocol.Error {
	e := protocol.NewError(t.scope, msg)
	e.Pairing = t.pairingFields()
	e.RunMode = t.mode
	return e
}

func (t *turn) done(code *int, changed, cancelled bool) protocol.Done {
	d := protocol.NewDone(t.scope)
	d.Pairing = t.pairingFields()
	d.ExitCode = code
	d.FileChanged = changed
	d.RunMode = t.mode
	d.Cancelled = cancelled
	return d
}

// hasConversation reports whether a log holds any user or assistant turn.
func hasConversation(msgs []session.Message) bool {
	for _, m := range msgs {
		if m.Role == session.RoleUser || m.Role == session.RoleAssistant {
			return true
		}
	}
	return false
}

// conversation filters a log down to the messages replayed in a prompt.
func conversation(msgs []session.Message) []session.Message {
	out := make([]session.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == session.RoleUser || m.Role == session.RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

// workingDir is the notebook's directory when it exists.
func workingDir(osPath string) string {
	if osPath == "" {
		return ""
	}
	abs, err := filepath.Abs(osPath)
	if err != nil {
		return ""
	}
	dir := filepath.Dir(abs)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
