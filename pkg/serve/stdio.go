package serve

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
)

const maxLineBytes = 64 << 20

// stdioTransport frames messages as newline-delimited JSON.
type stdioTransport struct {
	scanner *bufio.Scanner
	in      io.Reader

	mu  sync.Mutex
	out io.Writer
}

func newStdioTransport(r io.Reader, w io.Writer) *stdioTransport {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, min(128*1024, maxLineBytes)), maxLineBytes)
	return &stdioTransport{scanner: scanner, in: r, out: w}
}

func (t *stdioTransport) ReadMessage() ([]byte, error) {
	if t.scanner.Scan() {
		return t.scanner.Bytes(), nil
	}
	if err := t.scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return nil, io.EOF
}

func (t *stdioTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if f, ok := t.out.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}

func (t *stdioTransport) Close() error {
	if c, ok := t.in.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// ServeStdio serves a single client speaking newline-delimited JSON on r and w.
func (s *Server) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	return s.ServeConn(ctx, newStdioTransport(r, w))
}
