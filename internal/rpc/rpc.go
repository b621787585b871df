// Package rpc implements the request/response/emit dispatch fabric
// (§4.F): a server half with a named handler table and a fixed request
// context pool, and a client half that tracks pending calls by id.
package rpc

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/metrics"
	"github.com/meshcore/wishcore/internal/pool"
)

// DefaultContextPoolSize is the server's default request context pool
// size (§3 "Requests are drawn from a fixed pool per server (default 10)").
const DefaultContextPoolSize = 10

// DefaultBufSize is the default RPC reply buffer size (§6 "RPC buffer size").
const DefaultBufSize = 1400

// MaxOpLen bounds the op string (§4.F "Named handler table keyed by op
// string (max length bounded)").
const MaxOpLen = 64

// Kind classifies a failure for the wire error envelope (§7).
type Kind uint8

const (
	KindArgumentShape Kind = iota + 1
	KindNotFound
	KindResourceExhausted
	KindWireCodec
	KindTransportProtocol
	KindInvariant
)

// Sentinel errors owned by this package. Domain sentinels from identity,
// pool, and discovery are mapped to (Kind, code, msg) by ErrorInfo.
var (
	ErrOpTooLong  = errors.New("rpc: op name exceeds maximum length")
	ErrOpNotFound = errors.New("rpc: unknown op")
	ErrPoolFull   = errors.New("rpc: request context pool full")
	ErrUnreachable = errors.New("rpc: destination unreachable")
)

// ErrorInfo is the wire representation of a failure: {code, msg}.
type ErrorInfo struct {
	Kind Kind
	Code int
	Msg  string
}

type mapping struct {
	err  error
	info ErrorInfo
}

// errorTable maps domain sentinel errors to their wire {code, msg} pair
// (§7). Checked in order with errors.Is, so a wrapped error matches its
// underlying sentinel regardless of added context.
var errorTable = []mapping{
	{identity.ErrNotFound, ErrorInfo{KindNotFound, 304, "NOT_FOUND"}},
	{identity.ErrTooMany, ErrorInfo{KindResourceExhausted, 201, "TOO_MANY"}},
	{identity.ErrDuplicate, ErrorInfo{KindArgumentShape, 343, "DUPLICATE"}},
	{identity.ErrNoPrivKey, ErrorInfo{KindArgumentShape, 345, "NO_PRIVKEY"}},
	{identity.ErrAliasTooLong, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{identity.ErrBadHashLen, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{identity.ErrBadSigLen, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{identity.ErrBadKeyLen, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},

	{pool.ErrNotFound, ErrorInfo{KindNotFound, 509, "NOT_FOUND"}},
	{pool.ErrFull, ErrorInfo{KindResourceExhausted, 201, "POOL_FULL"}},
	{pool.ErrDuplicateConnection, ErrorInfo{KindArgumentShape, 343, "DUPLICATE_CONNECTION"}},

	{codec.ErrFieldMissing, ErrorInfo{KindArgumentShape, 345, "BAD_ARGS"}},
	{codec.ErrKindMismatch, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{codec.ErrTruncated, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{codec.ErrInvalidPath, ErrorInfo{KindArgumentShape, 346, "BAD_ARGS"}},
	{codec.ErrOverflow, ErrorInfo{KindWireCodec, 344, "failed writing response"}},

	{ErrOpNotFound, ErrorInfo{KindNotFound, 304, "NOT_FOUND"}},
	{ErrPoolFull, ErrorInfo{KindResourceExhausted, 201, "POOL_FULL"}},
	{ErrUnreachable, ErrorInfo{KindTransportProtocol, 506, "UNREACHABLE"}},
}

// MapError translates a domain error into its wire {code, msg} pair,
// mirroring the reference server's mapManagerError. Unrecognized errors
// map to a generic invariant-violation code.
func MapError(err error) ErrorInfo {
	for _, m := range errorTable {
		if errors.Is(err, m.err) {
			return m.info
		}
	}
	return ErrorInfo{KindInvariant, 500, "internal error"}
}

// -------------------------------------------------------------------------
// Request context
// -------------------------------------------------------------------------

// ReplyFunc appends the envelope's "data" field (or nothing, for a
// reply with no payload) into b.
type ReplyFunc func(b *codec.Builder)

// Ctx is one in-flight RPC request (§3 "RPC request context").
type Ctx struct {
	server         *Server
	slot           int
	free           bool
	op             string
	id             uint32
	localServiceID [32]byte
	send           func([]byte) error
}

// Op returns the dispatched operation name.
func (c *Ctx) Op() string { return c.op }

// LocalServiceID returns the originating local service id, used to bind
// this request to a connection for cancellation.
func (c *Ctx) LocalServiceID() [32]byte { return c.localServiceID }

// Send writes a terminal {ack: id, data} reply and releases the context.
// If id == 0 (fire-and-forget), no id-bearing envelope is written; only
// the data payload (if any) is delivered to the bound send callback.
func (c *Ctx) Send(reply ReplyFunc) error {
	return c.terminal("ack", reply)
}

// Error writes a terminal {err: id, data: {code, msg}} reply and releases
// the context.
func (c *Ctx) Error(info ErrorInfo) error {
	return c.terminal("err", func(b *codec.Builder) {
		b.AppendDocument("data", func(sub *codec.Builder) {
			sub.AppendInt("code", int64(info.Code)).AppendString("msg", info.Msg)
		})
	})
}

// ErrorFromErr is a convenience wrapper around Error using MapError.
func (c *Ctx) ErrorFromErr(err error) error {
	return c.Error(MapError(err))
}

// Emit writes a non-terminal {sig: id, data} reply; the context stays
// live and may Emit or terminate again later.
func (c *Ctx) Emit(reply ReplyFunc) error {
	if c.free {
		return fmt.Errorf("rpc: emit on released context")
	}
	return c.write("sig", reply, false)
}

// DeleteCtx releases the context without writing a reply, for
// fire-and-forget paths that want no payload at all.
func (c *Ctx) DeleteCtx() {
	c.release()
}

func (c *Ctx) terminal(kind string, reply ReplyFunc) error {
	if c.free {
		return fmt.Errorf("rpc: reply on released context")
	}
	err := c.write(kind, reply, true)
	c.release()
	return err
}

func (c *Ctx) write(kind string, reply ReplyFunc, terminalEnvelope bool) error {
	send := c.send
	if send == nil {
		return nil
	}
	buf := make([]byte, c.server.bufSize)
	b := codec.NewBuilder(buf)
	if c.id == 0 {
		// Fire-and-forget: the id-bearing envelope field is meaningless
		// for id 0, so only the data payload is delivered.
		if reply != nil {
			reply(b)
		}
	} else {
		b.AppendInt(kind, int64(c.id))
		if reply != nil {
			reply(b)
		}
	}
	out, err := b.Finish()
	if err != nil {
		return fmt.Errorf("%w: %v", codec.ErrOverflow, err)
	}
	if !terminalEnvelope && c.id == 0 {
		// A fire-and-forget request never wants non-terminal signals either.
		return nil
	}
	return send(out)
}

func (c *Ctx) release() {
	c.free = true
	c.op = ""
	c.id = 0
	c.localServiceID = [32]byte{}
	c.send = nil
}

// -------------------------------------------------------------------------
// Server
// -------------------------------------------------------------------------

// HandlerFunc implements one op. Handlers never return an error upward in
// the steady state — every handler calls Send/Emit/Error/DeleteCtx on ctx
// before returning. A returned error is treated as a programmer/invariant
// violation (§7) and logged; the event loop continues.
type HandlerFunc func(ctx *Ctx, args *codec.Document) error

// Server is a named handler table plus a fixed request-context pool.
type Server struct {
	logger   *slog.Logger
	metrics  *metrics.Collector
	bufSize  int
	handlers map[string]HandlerFunc
	order    []string
	ctxPool  []Ctx
}

// NewServer constructs a server with the given context pool size and
// reply buffer size.
func NewServer(poolSize, bufSize int, m *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		logger:   logger.With("component", "rpc"),
		metrics:  m,
		bufSize:  bufSize,
		handlers: make(map[string]HandlerFunc),
		ctxPool:  make([]Ctx, poolSize),
	}
	for i := range s.ctxPool {
		s.ctxPool[i].server = s
		s.ctxPool[i].slot = i
		s.ctxPool[i].free = true
	}
	return s
}

// Register adds op to the handler table.
func (s *Server) Register(op string, h HandlerFunc) {
	if _, exists := s.handlers[op]; !exists {
		s.order = append(s.order, op)
	}
	s.handlers[op] = h
}

// Methods lists every registered op name, sorted by name
// (`methods` handler, §4.G).
func (s *Server) Methods() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	sort.Strings(out)
	return out
}

func (s *Server) allocate(op string, id uint32, localServiceID [32]byte, send func([]byte) error) (*Ctx, error) {
	for i := range s.ctxPool {
		if s.ctxPool[i].free {
			c := &s.ctxPool[i]
			c.free = false
			c.op = op
			c.id = id
			c.localServiceID = localServiceID
			c.send = send
			s.reportOccupancy()
			return c, nil
		}
	}
	return nil, ErrPoolFull
}

// Dispatch finds the handler for op, allocates a request context, and
// invokes the handler. Pool exhaustion and unknown ops are surfaced to
// the caller as terminal error envelopes (when id != 0); the connection
// itself is preserved (§4.E "Unknown op ... RPC error reply, connection
// kept").
func (s *Server) Dispatch(op string, args *codec.Document, id uint32, localServiceID [32]byte, send func([]byte) error) {
	if len(op) > MaxOpLen {
		if id != 0 && send != nil {
			_ = (&Ctx{server: s, id: id, send: send}).Error(MapError(ErrOpTooLong))
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRPC(op)
	}

	ctx, err := s.allocate(op, id, localServiceID, send)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RPCPoolExhausted.Inc()
		}
		if id != 0 && send != nil {
			// No pool slot to track this failure in, so reply directly
			// with a throwaway context: id-bearing fields only need id.
			_ = (&Ctx{server: s, id: id, send: send}).Error(MapError(ErrPoolFull))
		}
		return
	}

	handler, ok := s.handlers[op]
	if !ok {
		_ = ctx.Error(MapError(ErrOpNotFound))
		return
	}

	if err := handler(ctx, args); err != nil {
		s.logger.Error("handler returned error instead of emitting a reply",
			"op", op, "err", err)
		if !ctx.free {
			_ = ctx.Error(MapError(err))
		}
	}
}

// CancelByServiceID releases every in-use context whose LocalServiceID
// equals serviceID, used when the owning connection closes (§4.D, §5
// "Cancellation and timeouts"). Returns the number of contexts released.
func (s *Server) CancelByServiceID(serviceID [32]byte) int {
	n := 0
	for i := range s.ctxPool {
		c := &s.ctxPool[i]
		if !c.free && c.localServiceID == serviceID {
			c.release()
			n++
		}
	}
	if n > 0 {
		s.reportOccupancy()
	}
	return n
}

func (s *Server) reportOccupancy() {
	if s.metrics == nil {
		return
	}
	n := 0
	for i := range s.ctxPool {
		if !s.ctxPool[i].free {
			n++
		}
	}
	s.metrics.SetPoolOccupancy("rpc_context", n)
}
