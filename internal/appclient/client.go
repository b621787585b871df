// Package appclient is the app-mux side of the RPC fabric's client half
// (§4.F "Client"): it dials the core's app TCP listener, performs the
// greeting handshake §4.E's StateInitial expects of an outgoing opener,
// and exposes a blocking Call for issuing one app↔core RPC and awaiting
// its terminal envelope. It exists so cmd/meshcorectl can speak the same
// wire protocol as a local application service without linking internal/node.
package appclient

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/rpc"
	"github.com/meshcore/wishcore/internal/transport"
)

// greetingBufSize is a generous fixed size for the two-field greeting
// document (§4.E StateInitial): well beyond two 32-byte binary fields.
const greetingBufSize = 128

// ErrClosed is returned by Call if a pending call's reply channel is
// closed. When the read loop observes EOF or a transport error, pending
// calls instead receive an *ErrReply with code 506.
var ErrClosed = errors.New("appclient: connection closed")

// Conn is one outgoing app-mux connection to a meshcored instance.
type Conn struct {
	conn    net.Conn
	client  *rpc.Client
	bufSize int
}

// Dial opens addr, sends the greeting frame the core's FSM expects on an
// incoming connection's StateInitial, and starts the background read
// loop that routes ack/err/sig envelopes back to pending calls.
func Dial(ctx context.Context, addr string, bufSize int) (*Conn, error) {
	nc, err := transport.DialTCP(ctx, addr)
	if err != nil {
		return nil, err
	}
	c := &Conn{conn: nc, client: rpc.NewClient(bufSize), bufSize: bufSize}
	if err := c.sendGreeting(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// sendGreeting writes an all-zero {luid, rhid} frame: meshcorectl has no
// identity or host id of its own, it only ever reaches the app↔core RPC
// server, never §4.H's core-to-core handlers, so the greeting's contents
// are never inspected beyond letting the FSM advance past StateInitial.
func (c *Conn) sendGreeting() error {
	var zero [32]byte
	buf := make([]byte, greetingBufSize)
	b := codec.NewBuilder(buf)
	b.AppendBinary("luid", zero[:]).AppendBinary("rhid", zero[:])
	out, err := b.Finish()
	if err != nil {
		return fmt.Errorf("appclient: encode greeting: %w", err)
	}
	if _, err := c.conn.Write(out); err != nil {
		return fmt.Errorf("appclient: send greeting: %w", err)
	}
	return nil
}

// readLoop accumulates bytes from the connection and feeds each complete
// length-prefixed frame to the client's envelope router, mirroring
// internal/node.Node.onNewData's framing loop but without an event queue
// (this side has no FSM to drive — every frame here is a reply envelope).
func (c *Conn) readLoop() {
	buf := make([]byte, 0, c.bufSize*4)
	tmp := make([]byte, 4096)
	for {
		n, err := c.conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			for {
				frameLen, szErr := codec.Size(buf)
				if szErr != nil || len(buf) < frameLen {
					break
				}
				frame := buf[:frameLen]
				buf = buf[frameLen:]
				if doc, perr := codec.Parse(frame); perr == nil {
					c.client.HandleEnvelope(doc)
				}
			}
		}
		if err != nil {
			c.client.CancelAll(rpc.ErrorInfo{Kind: rpc.KindTransportProtocol, Code: 506, Msg: "connection closed"})
			return
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// ErrReply wraps a terminal {err: id, data: {code, msg}} envelope as a Go error.
type ErrReply struct {
	Code int
	Msg  string
}

func (e *ErrReply) Error() string { return fmt.Sprintf("%s (code %d)", e.Msg, e.Code) }

type reply struct {
	kind string
	data *codec.Document
}

// Call builds and sends op(args), then blocks until the terminal ack/err
// envelope arrives (any intervening sig envelopes are discarded — see
// CallStream to keep them, and CallFirst for wld.friendRequest). The returned
// document is the full {ack: id, data: ...} envelope; since "data" can be
// any kind, callers address its payload by path ("data" for a scalar
// field, "data.0" for an array element, "data.alias" for a nested field).
func (c *Conn) Call(ctx context.Context, op string, argsFn rpc.ReplyFunc) (*codec.Document, error) {
	data, _, err := c.call(ctx, op, argsFn, false)
	return data, err
}

// CallStream is Call but also returns every "sig" payload observed before
// the terminal reply, in arrival order (§4.F "emit ... may be called
// multiple times").
func (c *Conn) CallStream(ctx context.Context, op string, argsFn rpc.ReplyFunc) (*codec.Document, []*codec.Document, error) {
	return c.call(ctx, op, argsFn, true)
}

// CallFirst blocks only for the first envelope the op produces, terminal
// or not, instead of the full terminal sequence. wld.friendRequest only
// ever emits a single non-terminal "wait" sig and never sends a terminal
// reply for that request (the friend-request connection it opens is a
// separate one, §4.E StateReplyFriendReq) — Call would block forever on
// such an op.
func (c *Conn) CallFirst(ctx context.Context, op string, argsFn rpc.ReplyFunc) (kind string, envelope *codec.Document, err error) {
	replies := make(chan reply, 1)
	frame, _, buildErr := c.client.BuildWithReply(op, argsFn, func(kind string, envelope *codec.Document, _ bool) {
		select {
		case replies <- (reply{kind: kind, data: envelope}):
		default:
		}
	})
	if buildErr != nil {
		return "", nil, fmt.Errorf("appclient: build %s request: %w", op, buildErr)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return "", nil, fmt.Errorf("appclient: send %s request: %w", op, err)
	}
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case r := <-replies:
		return r.kind, r.data, nil
	}
}

func (c *Conn) call(ctx context.Context, op string, argsFn rpc.ReplyFunc, keepSigs bool) (*codec.Document, []*codec.Document, error) {
	replies := make(chan reply, 4)
	frame, _, err := c.client.BuildWithReply(op, argsFn, func(kind string, data *codec.Document, _ bool) {
		replies <- reply{kind: kind, data: data}
	})
	if err != nil {
		return nil, nil, fmt.Errorf("appclient: build %s request: %w", op, err)
	}
	if _, err := c.conn.Write(frame); err != nil {
		return nil, nil, fmt.Errorf("appclient: send %s request: %w", op, err)
	}

	var sigs []*codec.Document
	for {
		select {
		case <-ctx.Done():
			return nil, sigs, ctx.Err()
		case r, ok := <-replies:
			if !ok {
				return nil, sigs, ErrClosed
			}
			switch r.kind {
			case "sig":
				if keepSigs {
					sigs = append(sigs, r.data)
				}
			case "err":
				code, msg := errFields(r.data)
				return nil, sigs, &ErrReply{Code: code, Msg: msg}
			default: // "ack"
				return r.data, sigs, nil
			}
		}
	}
}

func errFields(envelope *codec.Document) (int, string) {
	if envelope == nil {
		return 0, "unknown error"
	}
	code, _ := envelope.GetInt("data.code")
	msg, err := envelope.GetString("data.msg")
	if err != nil {
		msg = "unknown error"
	}
	return int(code), msg
}
