package rpc

import (
	"fmt"
	"sync"

	"github.com/meshcore/wishcore/internal/codec"
)

// ReplyCallback is invoked on receipt of an envelope for a pending call.
// terminal is true for ack/err (the callback is removed afterward) and
// false for sig (the callback stays registered). envelope is the full
// received document ({ack|err|sig: id, data: ...}); since an op's "data"
// field can be any kind (array, binary, bool, string, or document), the
// callback addresses it by path ("data" for a scalar, "data.0" for an
// array element, "data.code" for an error's nested {code, msg}) rather
// than receiving it pre-unwrapped.
type ReplyCallback func(kind string, envelope *codec.Document, terminal bool)

// Client builds outgoing RPC request frames and routes incoming
// ack/err/sig envelopes back to the callback registered for their id
// (§4.F "Client"). One Client is bound to one connection.
type Client struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]ReplyCallback
	bufSize int
}

// NewClient constructs a client-side request tracker with the given
// request buffer size (shared with the Server's bufSize by convention).
func NewClient(bufSize int) *Client {
	return &Client{pending: make(map[uint32]ReplyCallback), bufSize: bufSize}
}

// Build wraps args into a {req: {op, args, id?}} frame. If cb is nil, the
// caller opts out of a reply and id is 0 (fire-and-forget); otherwise id
// is the next 31-bit counter value and cb is registered to receive the
// eventual ack/err/sig envelopes.
func (c *Client) Build(op string, argsFn ReplyFunc) ([]byte, uint32, error) {
	return c.build(op, argsFn, nil)
}

// BuildWithReply is Build, additionally registering cb for the assigned id.
func (c *Client) BuildWithReply(op string, argsFn ReplyFunc, cb ReplyCallback) ([]byte, uint32, error) {
	return c.build(op, argsFn, cb)
}

func (c *Client) build(op string, argsFn ReplyFunc, cb ReplyCallback) ([]byte, uint32, error) {
	if len(op) > MaxOpLen {
		return nil, 0, ErrOpTooLong
	}

	var id uint32
	c.mu.Lock()
	if cb != nil {
		c.nextID = (c.nextID + 1) & 0x7fffffff
		if c.nextID == 0 {
			c.nextID = 1
		}
		id = c.nextID
		c.pending[id] = cb
	}
	c.mu.Unlock()

	buf := make([]byte, c.bufSize)
	b := codec.NewBuilder(buf)
	b.AppendDocument("req", func(sub *codec.Builder) {
		sub.AppendString("op", op)
		if argsFn != nil {
			sub.AppendDocument("args", func(a *codec.Builder) {
				argsFn(a)
			})
		}
		if id != 0 {
			sub.AppendInt("id", int64(id))
		}
	})
	out, err := b.Finish()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, 0, fmt.Errorf("%w: %v", codec.ErrOverflow, err)
	}
	return out, id, nil
}

// HandleEnvelope dispatches a received {ack|err|sig: id, data} frame to
// its pending callback, if any. Unmatched envelopes are silently dropped
// (the id may belong to a request the client already gave up on).
func (c *Client) HandleEnvelope(doc *codec.Document) {
	for _, kind := range [...]string{"ack", "err", "sig"} {
		if !doc.Has(kind) {
			continue
		}
		id, err := doc.GetInt(kind)
		if err != nil {
			return
		}
		terminal := kind != "sig"

		c.mu.Lock()
		cb, ok := c.pending[uint32(id)]
		if ok && terminal {
			delete(c.pending, uint32(id))
		}
		c.mu.Unlock()

		if !ok {
			return
		}
		cb(kind, doc, terminal)
		return
	}
}

// CancelAll invokes every pending callback with a terminal "err" envelope
// (closing connection, §5 "Cancellation and timeouts") and clears the
// pending table.
func (c *Client) CancelAll(info ErrorInfo) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[uint32]ReplyCallback)
	c.mu.Unlock()

	buf := make([]byte, 256)
	b := codec.NewBuilder(buf)
	b.AppendInt("err", 0)
	b.AppendDocument("data", func(sub *codec.Builder) {
		sub.AppendInt("code", int64(info.Code)).AppendString("msg", info.Msg)
	})
	out, err := b.Finish()
	if err != nil {
		return
	}
	doc, err := codec.Parse(out)
	if err != nil {
		return
	}
	for _, cb := range pending {
		cb("err", doc, true)
	}
}

// Pending returns the number of in-flight requests, for diagnostics.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
