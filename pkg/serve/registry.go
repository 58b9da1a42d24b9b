package serve

import (
	"context"

	"github.com/oy-ilho/jupyterlab-codex/pkg/protocol"
)

// HandlerFunc handles one parsed client message on a connection.
type HandlerFunc func(ctx context.Context, c *Conn, msg protocol.Inbound)

// HandlerRegistry maps message types to handlers.
type HandlerRegistry struct {
	handlers map[protocol.Type]HandlerFunc
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[protocol.Type]HandlerFunc)}
}

// Register installs handler for t, replacing any previous one.
func (r *HandlerRegistry) Register(t protocol.Type, handler HandlerFunc) {
	r.handlers[t] = handler
}

// Dispatch calls the handler for msg. It returns protocol.ErrUnknownType when
// no handler is registered.
func (r *HandlerRegistry) Dispatch(ctx context.Context, c *Conn, msg protocol.Inbound) error {
	handler, ok := r.handlers[msg.MessageType()]
	if !ok {
		return protocol.ErrUnknownType
	}
	handler(ctx, c, msg)
	return nil
}
