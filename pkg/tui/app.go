// Package tui is a terminal chat client for a running bridge. It speaks the
// same WebSocket protocol as the JupyterLab extension.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
)

// Sender delivers client messages to the bridge.
type Sender interface {
	Send(v any) error
}

// Options selects the notebook and turn settings of a chat.
type Options struct {
	NotebookPath    string
	SessionID       string
	CommandPath     string
	Model           string
	ReasoningEffort string
	Sandbox         string
	// Endpoint is shown in the header.
	Endpoint string
}

// ConversationMessage represents a message in the conversation timeline
type ConversationMessage struct {
	Role      string
	Timestamp time.Time
	Content   string
}

// App is the bubbletea model of the chat screen.
type App struct {
	client Sender
	opts   Options
	now    func() time.Time

	width  int
	height int

	connected bool
	err       error
	quitting  bool

	sessionID        string
	runID            string
	state            string
	model            string
	effort           string
	effectiveSandbox string
	modelCount       int
	rateLimits       *ratelimit.Snapshot

	messages []ConversationMessage
	input    []rune
}

// NewApp creates a chat model bound to client.
func NewApp(client Sender, opts Options) *App {
	return &App{
		client:    client,
		opts:      opts,
		now:       time.Now,
		connected: true,
		sessionID: opts.SessionID,
		state:     protocol.StateReady,
		model:     opts.Model,
		effort:    opts.ReasoningEffort,
	}
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("6")).
			Bold(true).
			Padding(0, 1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("3")).
			Padding(0, 1)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("4"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(0, 1)

	userMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("4")).
			Padding(0, 1)

	assistantMsgStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("2")).
				Padding(0, 1)

	systemMsgStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("4")).
			Padding(0, 1)
)

// Messages
type serverMsg struct {
	msg ServerMessage
}

type disconnectedMsg struct {
	err error
}

type sentMsg struct {
	err error
}

// Init opens or resumes the notebook's conversation.
func (a *App) Init() tea.Cmd {
	return a.startSessionCmd(false)
}

// Update handles messages and updates state
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case serverMsg:
		a.handleServerMessage(msg.msg)
		return a, nil

	case sentMsg:
		if msg.err != nil {
			a.err = msg.err
			a.addMessage("system", fmt.Sprintf("Failed to send message: %s", msg.err))
		}
		return a, nil

	case disconnectedMsg:
		a.connected = false
		a.err = msg.err
		a.runID = ""
		a.state = protocol.StateReady
		if msg.err != nil {
			a.addMessage("system", fmt.Sprintf("Disconnected: %s", msg.err))
		} else {
			a.addMessage("system", "Disconnected")
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlD:
		a.quitting = true
		if a.connected && a.sessionID != "" {
			return a, tea.Sequence(a.sendCmd(protocol.TypeEndSession, map[string]string{"sessionId": a.sessionID}), tea.Quit)
		}
		return a, tea.Quit

	case tea.KeyEsc:
		if a.running() {
			return a, a.cancelCmd()
		}
		return a, nil

	case tea.KeyCtrlN:
		if a.running() || !a.connected {
			return a, nil
		}
		a.messages = nil
		return a, a.startSessionCmd(true)

	case tea.KeyEnter:
		content := strings.TrimSpace(string(a.input))
		if content == "" || a.running() || !a.connected || a.sessionID == "" {
			return a, nil
		}
		a.input = nil
		a.state = protocol.StateRunning
		return a, a.submitCmd(content)

	case tea.KeyBackspace:
		if len(a.input) > 0 {
			a.input = a.input[:len(a.input)-1]
		}
		return a, nil

	case tea.KeyCtrlU:
		a.input = nil
		return a, nil

	case tea.KeySpace:
		a.input = append(a.input, ' ')
		return a, nil

	case tea.KeyRunes:
		a.input = append(a.input, msg.Runes...)
		return a, nil
	}
	return a, nil
}

func (a *App) handleServerMessage(msg ServerMessage) {
	switch msg.Type {
	case "status":
		if msg.SessionID != "" {
			a.sessionID = msg.SessionID
		}
		if msg.EffectiveSandbox != "" {
			a.effectiveSandbox = msg.EffectiveSandbox
		}
		if msg.History != nil {
			a.messages = a.messages[:0]
			for _, h := range msg.History {
				a.addMessage(h.Role, h.Content)
			}
		}
		if msg.SessionResolutionNotice != "" {
			a.addMessage("system", msg.SessionResolutionNotice)
		}
		if msg.History != nil && msg.PairedMessage != "" {
			a.addMessage("system", msg.PairedMessage)
		}
		switch msg.State {
		case protocol.StateRunning:
			a.state = protocol.StateRunning
			if msg.RunID != "" {
				a.runID = msg.RunID
			}
		case protocol.StateReady:
			if msg.RunID == "" || msg.RunID == a.runID {
				a.state = protocol.StateReady
				a.runID = ""
			}
		}

	case "output":
		if strings.TrimSpace(msg.Text) != "" {
			a.addMessage(msg.Role, msg.Text)
		}

	case "error":
		text := "Error: " + msg.Message
		if msg.SuggestedCommandPath != "" {
			text += fmt.Sprintf(" (try --command %s)", msg.SuggestedCommandPath)
		}
		a.addMessage("system", text)
		if a.runID == "" || msg.RunID == "" || msg.RunID == a.runID {
			a.state = protocol.StateReady
			a.runID = ""
		}

	case "done":
		switch {
		case msg.Cancelled:
			a.addMessage("system", "Turn cancelled")
		case msg.ExitCode != nil && *msg.ExitCode != 0:
			a.addMessage("system", fmt.Sprintf("Turn failed with exit code %d", *msg.ExitCode))
		}
		if msg.FileChanged {
			a.addMessage("system", "Notebook changed on disk")
		}
		if a.runID == "" || msg.RunID == a.runID {
			a.state = protocol.StateReady
			a.runID = ""
		}

	case "cli_defaults":
		if a.opts.Model == "" && msg.Model != "" {
			a.model = msg.Model
		}
		if a.opts.ReasoningEffort == "" && msg.ReasoningEffort != "" {
			a.effort = msg.ReasoningEffort
		}
		if len(msg.AvailableModels) > 0 {
			a.modelCount = len(msg.AvailableModels)
		}

	case "rate_limits":
		a.rateLimits = msg.Snapshot

	case "delete_all_sessions":
		a.addMessage("system", msg.Message)
	}
}

func (a *App) running() bool {
	return a.state == protocol.StateRunning
}

func (a *App) addMessage(role, content string) {
	a.messages = append(a.messages, ConversationMessage{
		Role:      role,
		Timestamp: a.now(),
		Content:   content,
	})
}

// View renders the UI
func (a *App) View() string {
	if a.quitting {
		return "Goodbye!\n"
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Codex Chat"))
	if a.opts.Endpoint != "" {
		b.WriteString(helpStyle.Render(a.opts.Endpoint))
	}
	b.WriteString("\n")
	b.WriteString(a.renderStatusLine())
	b.WriteString("\n\n")
	b.WriteString(a.renderConversationPanel())
	b.WriteString("\n")
	b.WriteString(a.renderInputBox())
	b.WriteString("\n")
	b.WriteString(a.renderHelp())

	return b.String()
}

func (a *App) renderStatusLine() string {
	if !a.connected {
		msg := "Disconnected"
		if a.err != nil {
			msg += ": " + a.err.Error()
		}
		return errorStyle.Render(msg)
	}

	parts := []string{a.opts.NotebookPath}
	if a.sessionID != "" {
		parts = append(parts, "session "+a.sessionID)
	}
	if a.model != "" {
		model := a.model
		if a.effort != "" {
			model += " (" + a.effort + ")"
		}
		if a.modelCount > 0 {
			model += fmt.Sprintf(" of %d models", a.modelCount)
		}
		parts = append(parts, model)
	}
	if a.effectiveSandbox != "" {
		parts = append(parts, "sandbox "+a.effectiveSandbox)
	}
	if limits := formatRateLimits(a.rateLimits); limits != "" {
		parts = append(parts, limits)
	}
	line := strings.Join(parts, " | ")
	if a.running() {
		return runningStyle.Render("[running] " + line)
	}
	return statusStyle.Render(line)
}

func (a *App) conversationHeight() int {
	if a.height <= 0 {
		return 12
	}
	// title, status, blank, input, help and the panel border
	h := a.height - 8
	if h < 4 {
		h = 4
	}
	return h
}

func (a *App) conversationWidth() int {
	if a.width <= 0 {
		return 80
	}
	return a.width - 2
}

func (a *App) renderConversationPanel() string {
	height := a.conversationHeight()
	width := a.conversationWidth()

	var lines []string
	if len(a.messages) == 0 {
		lines = append(lines, statusStyle.Render("No messages yet"))
	}
	for _, msg := range a.messages {
		style, prefix := messageStyle(msg.Role)
		text := fmt.Sprintf("%s %s %s", msg.Timestamp.Format("15:04:05"), prefix, msg.Content)
		for _, line := range strings.Split(text, "\n") {
			lines = append(lines, style.Width(width-2).Render(line))
		}
	}

	// Rendered lines can wrap, so keep the tail that fits by counting rows.
	var kept []string
	rows := 0
	for i := len(lines) - 1; i >= 0; i-- {
		n := lipgloss.Height(lines[i])
		if rows+n > height && len(kept) > 0 {
			break
		}
		rows += n
		kept = append([]string{lines[i]}, kept...)
	}

	return borderStyle.Width(width).Height(height).Render(strings.Join(kept, "\n"))
}

func messageStyle(role string) (lipgloss.Style, string) {
	switch role {
	case "user":
		return userMsgStyle, "[You]"
	case "assistant":
		return assistantMsgStyle, "[Codex]"
	default:
		return systemMsgStyle, "[System]"
	}
}

func (a *App) renderInputBox() string {
	prefix := "Message: "
	if a.running() {
		prefix = "Running... "
	}
	text := string(a.input)
	if limit := a.conversationWidth() - len(prefix) - 4; limit > 3 && len([]rune(text)) > limit {
		r := []rune(text)
		text = "..." + string(r[len(r)-limit+3:])
	}
	return inputStyle.Render(prefix + text + "_")
}

func (a *App) renderHelp() string {
	return helpStyle.Render("[Enter] Send | [Esc] Cancel turn | [Ctrl+N] New thread | [Ctrl+U] Clear input | [Ctrl+C] Quit")
}

func formatRateLimits(s *ratelimit.Snapshot) string {
	if s == nil {
		return ""
	}
	var parts []string
	for _, w := range []struct {
		label  string
		window ratelimit.Window
	}{{"primary", s.Primary}, {"secondary", s.Secondary}} {
		if w.window.UsedPercent == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s %.0f%%", w.label, *w.window.UsedPercent))
	}
	return strings.Join(parts, " ")
}

// Commands
func (a *App) sendCmd(typ protocol.Type, fields map[string]string) tea.Cmd {
	payload := map[string]string{"type": string(typ)}
	for k, v := range fields {
		payload[k] = v
	}
	return func() tea.Msg {
		return sentMsg{err: a.client.Send(payload)}
	}
}

func (a *App) startSessionCmd(forceNew bool) tea.Cmd {
	req := StartSessionRequest{
		Type:           string(protocol.TypeStartSession),
		SessionID:      a.sessionID,
		NotebookPath:   a.opts.NotebookPath,
		ForceNewThread: forceNew,
		CommandPath:    a.opts.CommandPath,
	}
	return func() tea.Msg {
		return sentMsg{err: a.client.Send(req)}
	}
}

func (a *App) submitCmd(content string) tea.Cmd {
	req := SendRequest{
		Type:            string(protocol.TypeSend),
		SessionID:       a.sessionID,
		NotebookPath:    a.opts.NotebookPath,
		Content:         content,
		CommandPath:     a.opts.CommandPath,
		Model:           a.opts.Model,
		ReasoningEffort: a.opts.ReasoningEffort,
		Sandbox:         a.opts.Sandbox,
	}
	return func() tea.Msg {
		return sentMsg{err: a.client.Send(req)}
	}
}

func (a *App) cancelCmd() tea.Cmd {
	req := CancelRequest{Type: string(protocol.TypeCancel), RunID: a.runID, SessionID: a.sessionID}
	return func() tea.Msg {
		return sentMsg{err: a.client.Send(req)}
	}
}

// Run drives the chat screen until the user quits or ctx is cancelled.
func Run(ctx context.Context, client *Client, opts Options, progOpts ...tea.ProgramOption) error {
	if opts.Endpoint == "" {
		opts.Endpoint = client.URL()
	}
	app := NewApp(client, opts)
	p := tea.NewProgram(app, append([]tea.ProgramOption{tea.WithContext(ctx)}, progOpts...)...)

	go func() {
		err := client.ReadLoop(func(msg ServerMessage) {
			p.Send(serverMsg{msg: msg})
		})
		p.Send(disconnectedMsg{err: err})
	}()

	_, err := p.Run()
	_ = client.Close()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("failed to run chat: %w", err)
	}
	return nil
}
