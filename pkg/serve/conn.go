package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	codexlog "github.com/oy-ilho/jupyterlab-codex/pkg/log"
	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
)

// Transport is a duplex message channel carrying one JSON message per frame.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Conn is one client connection. Its writes are serialized and its in-flight
// turns are cancelled when it closes.
type Conn struct {
	id        string
	transport Transport

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func newConn(ctx context.Context, t Transport) *Conn {
	cctx, cancel := context.WithCancel(ctx)
	return &Conn{id: uuid.NewString(), transport: t, ctx: cctx, cancel: cancel}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Emit encodes msg and writes it. Write failures mark the connection closed;
// later messages are dropped.
func (c *Conn) Emit(msg any) {
	data, err := encode(msg)
	if err != nil {
		codexlog.Error("failed to encode message", "conn_id", c.id, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.transport.WriteMessage(data); err != nil {
		codexlog.Debug("client write failed", "conn_id", c.id, "error", err)
		c.closed = true
		c.cancel()
	}
}

// encode marshals msg without HTML escaping, which would mangle code in
// assistant output.
func encode(msg any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msg); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}

// Go runs fn in the background, tied to the connection's lifetime.
func (c *Conn) Go(fn func(ctx context.Context)) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
}

// shutdown cancels background work, waits for it, then closes the transport.
func (c *Conn) shutdown() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	if err := c.transport.Close(); err != nil {
		codexlog.Debug("failed to close transport", "conn_id", c.id, "error", err)
	}
}

// ServeConn greets the client and dispatches its messages until the
// transport ends or ctx is cancelled.
func (s *Server) ServeConn(ctx context.Context, t Transport) error {
	c := newConn(ctx, t)
	defer c.shutdown()

	codexlog.Info("client connected", "conn_id", c.id)
	defer codexlog.Info("client disconnected", "conn_id", c.id)

	go func() {
		<-c.ctx.Done()
		// Unblock ReadMessage when the server shuts down.
		_ = t.Close()
	}()

	s.greet(c)

	for {
		data, err := t.ReadMessage()
		if err != nil {
			if errors.Is(err, io.EOF) || c.ctx.Err() != nil || isCloseError(err) {
				return nil
			}
			return err
		}
		if len(data) == 0 {
			continue
		}
		msg, err := protocol.Parse(data)
		if err != nil {
			c.Emit(protocol.NewError(protocol.Scope{}, err.Error()))
			continue
		}
		if err := s.handlers.Dispatch(c.ctx, c, msg); err != nil {
			c.Emit(protocol.NewError(protocol.Scope{}, err.Error()))
		}
	}
}
