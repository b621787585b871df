// Package transport provides the reference implementations behind the
// byte-stream reader/writer and datagram sender interfaces the core
// consumes (§1 "Physical transport ... abstracted as a byte-stream
// reader/writer and a datagram sender"). Nothing in internal/proto,
// internal/pool, or internal/rpc imports this package; it is wired in by
// internal/node and cmd/meshcored, keeping the core spine transport-agnostic
// the way §1 requires.
package transport

import "io"

// Stream is the byte-stream abstraction a connection slot is bound to
// (§3 "Connection ... the send callback bound to the transport"). It is
// satisfied by *net.TCPConn and by anything else the core's embedder
// wants to plug in (a Unix socket, an in-memory pipe for tests).
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// DatagramSender is the LAN beacon abstraction (§1 "a datagram sender").
type DatagramSender interface {
	SendDatagram(payload []byte) error
	Close() error
}
