package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
)

// TCPListener accepts incoming app-mux or core-to-core connections (§6
// "App TCP server"), grounded on the reference module's
// internal/netio.Listener high-level receive-loop shape, adapted from a
// UDP packet loop to a TCP accept loop.
type TCPListener struct {
	ln     net.Listener
	logger *slog.Logger
}

// ListenTCP starts listening on addr.
func ListenTCP(addr string, logger *slog.Logger) (*TCPListener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &TCPListener{ln: ln, logger: logger.With("component", "transport.tcp")}, nil
}

// Accept blocks until a connection arrives or ctx is canceled.
func (l *TCPListener) Accept(ctx context.Context) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		_ = l.ln.Close()
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// Addr returns the listener's bound address.
func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *TCPListener) Close() error { return l.ln.Close() }

// DialTCP opens an outgoing stream connection to addr (§4.E
// StateInitial "on outgoing open, send greeting").
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}
