// Package catalog lists the models offered by the codex CLI through a short
// JSON-RPC handshake with `codex app-server`, caching the result.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	"github.com/oy-ilho/jupyterlab-codex/pkg/jsonrpc"
	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
)

const (
	DefaultTTL          = 10 * time.Minute
	DefaultTimeout      = 5 * time.Second
	DefaultMaxLineBytes = 1 << 20

	initializeID = 1
	modelListID  = 2
)

// Model describes one selectable model.
type Model struct {
	ID                        string   `json:"model"`
	DisplayName               string   `json:"displayName"`
	SupportedReasoningEfforts []string `json:"supportedReasoningEfforts"`
	DefaultReasoningEffort    string   `json:"defaultReasoningEffort,omitempty"`
}

// Config tunes a Client.
type Config struct {
	TTL            time.Duration
	Timeout        time.Duration
	MaxLineBytes   int
	TerminateGrace time.Duration
	Resolver       *agent.Resolver
	Now            func() time.Time
	ClientVersion  string
}

type cacheEntry struct {
	models    []Model
	fetchedAt time.Time
}

// Client fetches and caches model lists per executable.
type Client struct {
	ttl      time.Duration
	timeout  time.Duration
	maxLine  int
	grace    time.Duration
	resolver *agent.Resolver
	now      func() time.Time
	version  string

	mu    sync.Mutex
	cache map[string]cacheEntry
	group singleflight.Group
}

// New returns a Client with defaults applied.
func New(cfg Config) *Client {
	c := &Client{
		ttl:      cfg.TTL,
		timeout:  cfg.Timeout,
		maxLine:  cfg.MaxLineBytes,
		grace:    cfg.TerminateGrace,
		resolver: cfg.Resolver,
		now:      cfg.Now,
		version:  cfg.ClientVersion,
		cache:    make(map[string]cacheEntry),
	}
	if c.ttl <= 0 {
		c.ttl = DefaultTTL
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.maxLine <= 0 {
		c.maxLine = DefaultMaxLineBytes
	}
	if c.resolver == nil {
		c.resolver = agent.NewResolver()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.version == "" {
		c.version = "dev"
	}
	return c
}

// ListModels returns the models reported by executable. Failures of any kind
// yield an empty list; the catalog only enriches the UI.
func (c *Client) ListModels(ctx context.Context, executable string, forceRefresh bool) []Model {
	key := strings.TrimSpace(executable)
	if key == "" {
		key = agent.DefaultCommand
	}

	if !forceRefresh {
		if models, ok := c.cached(key); ok {
			return models
		}
	}

	// The shared fetch outlives any single caller; each handshake step is
	// bounded by the client timeout instead.
	flight := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		models, err := c.Fetch(flight, key)
		if err != nil {
			codexlog.Debug("model catalog unavailable", "executable", key, "error", err)
			return []Model(nil), nil
		}
		if len(models) > 0 {
			c.mu.Lock()
			c.cache[key] = cacheEntry{models: models, fetchedAt: c.now()}
			c.mu.Unlock()
		}
		return models, nil
	})
	select {
	case res := <-ch:
		return cloneModels(res.Val.([]Model))
	case <-ctx.Done():
		return nil
	}
}

func (c *Client) cached(key string) ([]Model, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.cache[key]
	if !ok || c.now().Sub(entry.fetchedAt) >= c.ttl {
		return nil, false
	}
	return cloneModels(entry.models), true
}

// Fetch performs one uncached handshake. The app-server process is always
// stopped before Fetch returns.
func (c *Client) Fetch(ctx context.Context, executable string) ([]Model, error) {
	exe, err := c.resolver.Resolve(executable, "")
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc, err := agent.StartProcess(ctx, agent.ProcessConfig{
		Path:          exe,
		Args:          []string{"app-server"},
		Env:           os.Environ(),
		Grace:         c.grace,
		DiscardStderr: true,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if code, err := proc.Stop(); err != nil {
			codexlog.Debug("app-server stop failed", "exit_code", code, "error", err)
		}
	}()

	lines := newLineReader(proc.Stdout(), c.maxLine)
	defer lines.close()

	w := jsonrpc.NewWriter(proc.Stdin())
	s := &handshake{ctx: ctx, w: w, lines: lines, timeout: c.timeout}

	initParams := map[string]interface{}{
		"clientInfo": map[string]string{
			"name":    "jupyterlab-codex",
			"title":   "JupyterLab Codex",
			"version": c.version,
		},
	}
	if _, err := s.call(initializeID, "initialize", initParams); err != nil {
		return nil, err
	}
	if err := s.notify("initialized"); err != nil {
		return nil, err
	}
	msg, err := s.call(modelListID, "model/list", map[string]interface{}{})
	if err != nil {
		return nil, err
	}
	return parseModelList(msg.Result)
}

type handshake struct {
	ctx     context.Context
	w       *jsonrpc.Writer
	lines   *lineReader
	timeout time.Duration
}

func (h *handshake) call(id int, method string, params interface{}) (*jsonrpc.Message, error) {
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	if err := h.w.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}
	return h.await(id, method)
}

func (h *handshake) notify(method string) error {
	note, err := jsonrpc.NewNotification(method, nil)
	if err != nil {
		return err
	}
	if err := h.w.Write(note); err != nil {
		return fmt.Errorf("failed to send %s: %w", method, err)
	}
	return nil
}

// await skips every line until the response carrying id arrives.
func (h *handshake) await(id int, method string) (*jsonrpc.Message, error) {
	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return nil, h.ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("timed out waiting for %s response", method)
		case line, ok := <-h.lines.ch:
			if !ok {
				return nil, fmt.Errorf("app-server closed before %s response: %w", method, h.lines.error())
			}
			msg, err := jsonrpc.ParseMessage(line)
			if err != nil || !msg.IsResponse() || !msg.HasID(id) {
				continue
			}
			if msg.Error != nil {
				return nil, fmt.Errorf("%s failed: %w", method, msg.Error)
			}
			return msg, nil
		}
	}
}

// lineReader pumps capped lines into a channel until the stream ends or close is called.
type lineReader struct {
	ch   chan []byte
	done chan struct{}
	once sync.Once

	mu  sync.Mutex
	err error
}

func newLineReader(r io.Reader, maxLine int) *lineReader {
	lr := &lineReader{ch: make(chan []byte, 16), done: make(chan struct{})}
	go func() {
		defer close(lr.ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, min(64*1024, maxLine)), maxLine)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lr.ch <- line:
			case <-lr.done:
				return
			}
		}
		lr.mu.Lock()
		lr.err = scanner.Err()
		if lr.err == nil {
			lr.err = io.EOF
		}
		lr.mu.Unlock()
	}()
	return lr
}

func (lr *lineReader) error() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	if errors.Is(lr.err, bufio.ErrTooLong) {
		return fmt.Errorf("app-server line too long: %w", lr.err)
	}
	return lr.err
}

func (lr *lineReader) close() {
	lr.once.Do(func() { close(lr.done) })
}

type wireModel struct {
	ID                        string     `json:"id"`
	Model                     string     `json:"model"`
	DisplayName               string     `json:"displayName"`
	SupportedReasoningEfforts effortList `json:"supportedReasoningEfforts"`
	DefaultReasoningEffort    string     `json:"defaultReasoningEffort"`
}

type listResult struct {
	Data   []wireModel `json:"data"`
	Models []wireModel `json:"models"`
}

// effortList accepts both ["low","high"] and [{"reasoningEffort":"low"}].
type effortList []string

func (e *effortList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			ReasoningEffort string `json:"reasoningEffort"`
			Effort          string `json:"effort"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if obj.ReasoningEffort != "" {
				out = append(out, obj.ReasoningEffort)
			} else if obj.Effort != "" {
				out = append(out, obj.Effort)
			}
		}
	}
	*e = out
	return nil
}

func parseModelList(raw json.RawMessage) ([]Model, error) {
	var result listResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("malformed model/list result: %w", err)
	}
	entries := result.Data
	if len(entries) == 0 {
		entries = result.Models
	}

	seen := make(map[string]bool, len(entries))
	models := make([]Model, 0, len(entries))
	for _, w := range entries {
		id := strings.TrimSpace(w.Model)
		if id == "" {
			id = strings.TrimSpace(w.ID)
		}
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		display := strings.TrimSpace(w.DisplayName)
		if display == "" {
			display = id
		}
		efforts := make([]string, 0, len(w.SupportedReasoningEfforts))
		for _, e := range w.SupportedReasoningEfforts {
			if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
				efforts = append(efforts, e)
			}
		}
		models = append(models, Model{
			ID:                        id,
			DisplayName:               display,
			SupportedReasoningEfforts: efforts,
			DefaultReasoningEffort:    strings.ToLower(strings.TrimSpace(w.DefaultReasoningEffort)),
		})
	}
	return models, nil
}

func cloneModels(models []Model) []Model {
	if models == nil {
		return nil
	}
	out := make([]Model, len(models))
	for i, m := range models {
		m.SupportedReasoningEfforts = append([]string(nil), m.SupportedReasoningEfforts...)
		out[i] = m
	}
	return out
}
