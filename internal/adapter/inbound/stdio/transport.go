// Package stdio implements the line-delimited JSON-RPC inbound transport
// adapter (C6).
package stdio

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/shenjingnan/xiaozhi-gateway/internal/port/inbound"
)

// defaultBufferSize matches bufio.Scanner's default; configurable via
// WithBufferSize for clients that send larger single-line messages.
const defaultBufferSize = 64 * 1024

// Dispatcher is the narrow contract the stdio transport needs from the
// Message Handler (C1). A nil response with a nil error means the decoded
// message was a notification and produces no reply line.
type Dispatcher interface {
	Handle(ctx context.Context, raw []byte) ([]byte, error)
}

// Transport is the inbound adapter that connects the gateway to a
// process's stdin/stdout, reading one JSON-RPC message per line and
// writing one JSON-RPC response per line.
//
// Grounded on internal/adapter/inbound/stdio.StdioTransport: the thin
// Start/Close wrapper implementing inbound.ProxyService. That earlier
// adapter delegated the read loop entirely to ProxyService.Run, which had
// no line-by-line error-recovery story of its own; this adapter instead
// owns the scan loop directly against the Message Handler (C1) so a
// single malformed line can be answered with a parse-error response
// without tearing down the whole stream, the way the bufio.Scanner-based
// SDK transports (see the sdks/go clients) do.
type Transport struct {
	dispatcher Dispatcher
	in         io.Reader
	out        io.Writer
	bufferSize int
	logger     *slog.Logger
	mu         sync.Mutex // serializes writes to out
}

// Option configures a Transport.
type Option func(*Transport)

// WithReader overrides the input stream (default os.Stdin).
func WithReader(r io.Reader) Option {
	return func(t *Transport) { t.in = r }
}

// WithWriter overrides the output stream (default os.Stdout).
func WithWriter(w io.Writer) Option {
	return func(t *Transport) { t.out = w }
}

// WithBufferSize sets the scanner's maximum line size.
func WithBufferSize(n int) Option {
	return func(t *Transport) { t.bufferSize = n }
}

// WithLogger sets the transport's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport builds a stdio Transport dispatching decoded lines to d.
func NewTransport(d Dispatcher, opts ...Option) *Transport {
	t := &Transport{
		dispatcher: d,
		in:         os.Stdin,
		out:        os.Stdout,
		bufferSize: defaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start reads JSON-RPC messages line by line until ctx is cancelled or the
// input stream is exhausted, writing each non-notification response back
// as a single line.
func (t *Transport) Start(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		scanner := bufio.NewScanner(t.in)
		scanner.Buffer(make([]byte, 0, t.bufferSize), t.bufferSize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				close(lines)
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			t.handleLine(ctx, line)
		}
	}
}

func (t *Transport) handleLine(ctx context.Context, line []byte) {
	resp, err := t.dispatcher.Handle(ctx, line)
	if err != nil {
		t.logger.Error("stdio transport: dispatch failed", "error", err)
		return
	}
	if resp == nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.out.Write(append(resp, '\n')); err != nil {
		t.logger.Error("stdio transport: write failed", "error", err)
	}
}

// Close is a no-op: stdio has no resources beyond the process's own
// stdin/stdout.
func (t *Transport) Close() error {
	return nil
}

var _ inbound.ProxyService = (*Transport)(nil)
