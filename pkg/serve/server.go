// Package serve exposes the bridge to JupyterLab clients over a WebSocket or
// newline-delimited JSON on stdio.
package serve

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/oy-ilho/jupyterlab-codex/pkg/catalog"
	"github.com/oy-ilho/jupyterlab-codex/pkg/config"
	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/notebook"
	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
	"github.com/oy-ilho/jupyterlab-codex/pkg/run"
	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// Config wires a Server.
type Config struct {
	Store *session.Store
	Runs  *run.Coordinator
	// Catalog and RateLimits are optional.
	Catalog    *catalog.Client
	RateLimits *ratelimit.Scanner
	// CLIDefaults reports the model settings advertised on connect.
	CLIDefaults func() config.CLIDefaults

	// Command is the agent executable used when a client names none.
	Command        string
	NotebookRoot   string
	AllowedOrigins []string
	NewID          func() string
}

// Server dispatches client messages to the session store and run coordinator.
type Server struct {
	cfg      Config
	handlers *HandlerRegistry
	newID    func() string
}

// New returns a Server with every message handler registered.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil || cfg.Runs == nil {
		return nil, errors.New("serve: store and run coordinator are required")
	}
	s := &Server{cfg: cfg, handlers: NewHandlerRegistry(), newID: cfg.NewID}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	s.handlers.Register(protocol.TypeStartSession, s.handleStartSession)
	s.handlers.Register(protocol.TypeSend, s.handleSend)
	s.handlers.Register(protocol.TypeCancel, s.handleCancel)
	s.handlers.Register(protocol.TypeDeleteSession, s.handleDeleteSession)
	s.handlers.Register(protocol.TypeDeleteAllSessions, s.handleDeleteAllSessions)
	s.handlers.Register(protocol.TypeEndSession, s.handleEndSession)
	s.handlers.Register(protocol.TypeRefreshRateLimits, s.handleRefreshRateLimits)
	return s, nil
}

// Handlers exposes the registry so callers can add message types.
func (s *Server) Handlers() *HandlerRegistry { return s.handlers }

func (s *Server) greet(c *Conn) {
	c.Emit(protocol.NewStatus(protocol.StateReady, protocol.Scope{}))

	var defaults config.CLIDefaults
	if s.cfg.CLIDefaults != nil {
		defaults = s.cfg.CLIDefaults()
	}
	c.Emit(protocol.NewCLIDefaults(defaults.Model, defaults.ReasoningEffort, nil))

	s.sendModelCatalog(c, "", false)
	s.sendRateLimits(c, false)
}

// sendModelCatalog fetches models in the background and sends them only
// when the catalog returned some.
func (s *Server) sendModelCatalog(c *Conn, command string, forceRefresh bool) {
	if s.cfg.Catalog == nil {
		return
	}
	executable := firstNonEmpty(command, s.cfg.Command)
	c.Go(func(ctx context.Context) {
		models := s.cfg.Catalog.ListModels(ctx, executable, forceRefresh)
		if len(models) == 0 || ctx.Err() != nil {
			return
		}
		c.Emit(protocol.NewCLIDefaults("", "", models))
	})
}

func (s *Server) sendRateLimits(c *Conn, force bool) {
	var snapshot *ratelimit.Snapshot
	if s.cfg.RateLimits != nil {
		snapshot = s.cfg.RateLimits.Latest(force)
	}
	c.Emit(protocol.NewRateLimits(snapshot))
}

func (s *Server) effectiveSandbox(sessionID string) string {
	if s.cfg.RateLimits == nil || sessionID == "" {
		return ""
	}
	return s.cfg.RateLimits.EffectiveSandbox(sessionID, false)
}

func (s *Server) handleStartSession(_ context.Context, c *Conn, msg protocol.Inbound) {
	req := msg.(protocol.StartSession)
	s.sendModelCatalog(c, req.CommandPath, req.ForceNewThread)

	osPath := notebook.ResolveOSPath(s.cfg.NotebookRoot, req.NotebookPath)
	res := resolveSession(s.cfg.Store, req.SessionID, req.NotebookPath, osPath, req.ForceNewThread, s.newID)

	scope := protocol.Scope{
		SessionID:         res.SessionID,
		SessionContextKey: req.SessionContextKey,
		NotebookPath:      req.NotebookPath,
	}
	if err := s.cfg.Store.Ensure(res.SessionID, req.NotebookPath, osPath); err != nil {
		codexlog.Error("failed to create session", "conn_id", c.ID(), "session_id", res.SessionID, "error", err)
		c.Emit(protocol.NewError(scope, err.Error()))
		return
	}
	if req.NotebookPath != "" {
		if err := s.cfg.Store.UpdateNotebookPath(res.SessionID, req.NotebookPath, osPath); err != nil {
			codexlog.Warn("failed to update notebook path", "session_id", res.SessionID, "error", err)
		}
	}

	msgs, err := s.cfg.Store.Load(res.SessionID)
	if err != nil {
		codexlog.Warn("failed to load session history", "session_id", res.SessionID, "error", err)
	}

	codexlog.Info("session started", "conn_id", c.ID(), "session_id", res.SessionID,
		"resolution", res.Kind, "history", len(msgs))

	status := protocol.NewStatus(protocol.StateReady, scope).WithHistory(historyEntries(msgs))
	status.Pairing = pairingFields(notebook.Pairing(req.NotebookPath, osPath))
	status.SessionResolution = res.Kind
	status.SessionResolutionNotice = res.Notice
	status.EffectiveSandbox = s.effectiveSandbox(res.SessionID)
	c.Emit(status)
}

func (s *Server) handleSend(_ context.Context, c *Conn, msg protocol.Inbound) {
	req := run.RequestFromSend(msg.(protocol.Send))
	req.RunID = s.newID()
	if strings.TrimSpace(req.CommandPath) == "" {
		req.CommandPath = s.cfg.Command
	}
	c.Go(func(ctx context.Context) {
		res, err := s.cfg.Runs.Run(ctx, req, c)
		if err != nil {
			codexlog.Debug("turn rejected", "conn_id", c.ID(), "run_id", req.RunID, "error", err)
			return
		}
		codexlog.Info("turn finished", "conn_id", c.ID(), "run_id", res.RunID, "session_id", res.SessionID,
			"mode", res.RunMode, "state", string(res.State), "cancelled", res.Cancelled)
	})
}

func (s *Server) handleCancel(_ context.Context, c *Conn, msg protocol.Inbound) {
	req := msg.(protocol.Cancel)
	info, ok := s.cfg.Runs.Cancel(req.RunID)
	if !ok && req.SessionID != "" {
		info, ok = s.cfg.Runs.CancelSession(req.SessionID)
	}
	if !ok {
		c.Emit(protocol.NewError(protocol.Scope{RunID: req.RunID}, "Run not found"))
		return
	}
	status := protocol.NewStatus(protocol.StateReady, protocol.Scope{
		RunID:             info.ID,
		SessionID:         info.SessionID,
		SessionContextKey: info.SessionContextKey,
		NotebookPath:      info.NotebookPath,
	})
	status.EffectiveSandbox = s.effectiveSandbox(info.SessionID)
	c.Emit(status)
}

func (s *Server) handleDeleteSession(_ context.Context, c *Conn, msg protocol.Inbound) {
	req := msg.(protocol.DeleteSession)
	if req.SessionID == "" {
		return
	}
	if err := s.cfg.Store.Delete(req.SessionID); err != nil {
		codexlog.Warn("failed to delete session", "conn_id", c.ID(), "session_id", req.SessionID, "error", err)
	}
}

func (s *Server) handleDeleteAllSessions(_ context.Context, c *Conn, _ protocol.Inbound) {
	deleted, failed := s.cfg.Store.DeleteAll()
	codexlog.Info("deleted all sessions", "conn_id", c.ID(), "deleted", deleted, "failed", failed)
	c.Emit(protocol.NewDeleteAllResult(deleted, failed))
}

func (s *Server) handleEndSession(_ context.Context, c *Conn, msg protocol.Inbound) {
	req := msg.(protocol.EndSession)
	if req.SessionID != "" && s.cfg.Store.Exists(req.SessionID) {
		if err := s.cfg.Store.Touch(req.SessionID); err != nil {
			codexlog.Warn("failed to close session", "session_id", req.SessionID, "error", err)
		}
	}
	c.Emit(protocol.NewStatus(protocol.StateReady, protocol.Scope{}))
}

func (s *Server) handleRefreshRateLimits(_ context.Context, c *Conn, _ protocol.Inbound) {
	s.sendRateLimits(c, true)
}

// historyEntries replays stored messages, keeping only known roles.
func historyEntries(msgs []session.Message) []protocol.HistoryEntry {
	entries := make([]protocol.HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		if !m.Role.Valid() {
			continue
		}
		entry := protocol.HistoryEntry{Role: string(m.Role), Content: m.Content}
		if ui := session.NormalizeUI(m.UI); ui != nil {
			entry.SelectionPreview = ui.SelectionPreview
		}
		entries = append(entries, entry)
	}
	return entries
}

func pairingFields(p notebook.Status) protocol.Pairing {
	return protocol.Pairing{
		PairedOK:      protocol.Bool(p.OK),
		PairedPath:    p.PairedPath,
		PairedOSPath:  p.PairedOSPath,
		PairedMessage: p.Message,
		NotebookMode:  string(p.Mode),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
