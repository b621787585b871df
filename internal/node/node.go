// Package node assembles the core's runtime spine into one "node
// context" value (§9 Design Note "Global mutable state"): the identity
// store, connection pool, discovery table, event queue, and RPC servers
// all become fields here instead of process globals, and every handler
// receives this value rather than reaching into package-level state.
package node

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/config"
	"github.com/meshcore/wishcore/internal/discovery"
	"github.com/meshcore/wishcore/internal/eventloop"
	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/metrics"
	"github.com/meshcore/wishcore/internal/pool"
	"github.com/meshcore/wishcore/internal/proto"
	"github.com/meshcore/wishcore/internal/rpc"
	"github.com/meshcore/wishcore/internal/state"
	"github.com/meshcore/wishcore/internal/transport"
	"github.com/meshcore/wishcore/internal/version"
)

// Version is the running build's version string (`version`, `host.config`),
// an alias of internal/version.Version so the daemon and the CLI client
// report the same build identity (§4.G "version", "host.config").
var Version = version.Version

// connKind distinguishes a local app-mux connection from a remote core
// connection: both drive the same protocol FSM (§4.E), but dispatch to
// different op tables (§4.G vs §4.H) once AUTHENTICATED.
type connKind uint8

const (
	connKindApp connKind = iota
	connKindCore
)

// connMeta is bookkeeping the fixed-size pool itself does not carry
// (§3's Connection attributes list state/direction/luid/ruid/rhid/ring/
// phase/frame-length/friend-flag/send-callback, not "is this an app or
// core peer") but the node needs per slot to route dispatch correctly.
type connMeta struct {
	kind   connKind
	conn   transport.Stream
	client *rpc.Client
	wsid   [32]byte // this slot's bound local-service id, for app connections
}

// Node is the assembled runtime spine (§2 components A-I) plus the
// ambient wiring (config, metrics, logger, persisted state, beacon
// transport) a complete daemon needs around it.
type Node struct {
	logger  *slog.Logger
	metrics *metrics.Collector
	cfg     *config.Config

	hostID [32]byte

	identities *identity.Store
	pool       *pool.Pool
	discovery  *discovery.Table
	AppServer  *rpc.Server
	CoreServer *rpc.Server
	Loop       *eventloop.Loop
	StateStore *state.Store
	blob       state.BlobStore

	beacon transport.DatagramSender

	meta map[int]*connMeta

	// pendingFrame stages the frame consumeFrame just pulled off a slot's
	// RX ring for the FSM action handler invoked in the same turn: the
	// FSM itself is a pure function over (state, event) with no payload
	// slot, so the triggering frame has to ride along out-of-band. Valid
	// only between consumeFrame and the action it triggers; the event
	// loop's single-threaded turn model (§5) makes that safe.
	pendingFrame []byte
}

// New constructs a Node from cfg, registering the app and core RPC
// handler tables and priming the event loop. hostID is this process's
// stable host id (§3 "Host id"); blob is the persisted-state backing
// store (§6), already Open'd by the caller.
func New(cfg *config.Config, hostID [32]byte, blob state.BlobStore, beacon transport.DatagramSender, m *metrics.Collector, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "node", "host_id", identity.UID(hostID).Hex())

	n := &Node{
		logger:     logger,
		metrics:    m,
		cfg:        cfg,
		hostID:     hostID,
		identities: identity.NewStore(cfg.Core.MaxIdentities, logger),
		pool:       pool.New(cfg.Core.ConnectionPoolSize, cfg.Core.RXRingSize, m, logger),
		discovery:  discovery.NewTable(cfg.Core.MaxDiscoveryEntries, logger),
		Loop:       eventloop.New(logger),
		StateStore: state.New(logger),
		blob:       blob,
		beacon:     beacon,
		meta:       make(map[int]*connMeta),
	}

	n.AppServer = rpc.NewServer(cfg.Core.RPCContextPoolSize, cfg.Core.RPCBufSize, m, logger.With("server", "app"))
	n.CoreServer = rpc.NewServer(cfg.Core.RPCContextPoolSize, cfg.Core.RPCBufSize, m, logger.With("server", "core"))
	rpc.RegisterAppHandlers(n.AppServer, n)
	rpc.RegisterCoreHandlers(n.CoreServer, n)

	if blob != nil {
		if err := n.StateStore.Load(blob, n.identities); err != nil {
			n.logger.Warn("persisted state unreadable, starting from defaults", "err", err)
			if saveErr := n.StateStore.Save(blob, n.identities); saveErr != nil {
				return nil, fmt.Errorf("node: rewrite state with defaults: %w", saveErr)
			}
		}
	}

	return n, nil
}

// persist rewrites the state blob wholesale after any identity mutation
// (§9 SUPPLEMENTED FEATURES: "rewritten wholesale on any mutation").
func (n *Node) persist() {
	if n.blob == nil {
		return
	}
	if err := n.StateStore.Save(n.blob, n.identities); err != nil {
		n.logger.Error("persist state failed", "err", err)
	}
}

// -------------------------------------------------------------------------
// rpc.Host implementation
// -------------------------------------------------------------------------

// compile-time assertion that Node satisfies rpc.Host.
var _ rpc.Host = (*Node)(nil)

func (n *Node) Identities() *identity.Store  { return n.identities }
func (n *Node) Pool() *pool.Pool             { return n.pool }
func (n *Node) Discovery() *discovery.Table  { return n.discovery }
func (n *Node) HostID() [32]byte             { return n.hostID }
func (n *Node) Version() string              { return Version }

func (n *Node) Advertise(id *identity.Identity) {
	n.persist()
	if n.beacon == nil {
		return
	}
	buf := make([]byte, 512)
	payload, err := transport.EncodeBeacon(transport.BeaconPayload{
		Alias:     id.Alias,
		RUID:      id.UID,
		RHID:      n.hostID,
		PubKey:    id.PubKey,
		Transport: n.cfg.Net.AppAddr,
	}, buf)
	if err != nil {
		n.logger.Error("encode beacon advertisement failed", "err", err)
		return
	}
	if err := n.beacon.SendDatagram(payload); err != nil {
		n.logger.Error("beacon advertisement send failed", "err", err)
	}
}

func (n *Node) NotifyLocalServices(build rpc.ReplyFunc) {
	buf := make([]byte, n.cfg.Core.RPCBufSize)
	b := codec.NewBuilder(buf)
	build(b)
	out, err := b.Finish()
	if err != nil {
		n.logger.Error("notify local services: encode failed", "err", err)
		return
	}
	for idx, m := range n.meta {
		if m.kind != connKindApp || m.conn == nil {
			continue
		}
		if _, err := m.conn.Write(out); err != nil {
			n.logger.Warn("notify local service failed", "slot", idx, "err", err)
		}
	}
}

func (n *Node) DeliverLocal(targetRSID [32]byte, envelopePeer rpc.Peer, payload []byte) error {
	for idx, m := range n.meta {
		if m.kind != connKindApp || m.wsid != targetRSID {
			continue
		}
		buf := make([]byte, n.cfg.Core.RPCBufSize+len(payload))
		b := codec.NewBuilder(buf)
		b.AppendString("type", "frame")
		envelopePeer.EncodeInto("peer", b)
		b.AppendBinary("data", payload)
		out, err := b.Finish()
		if err != nil {
			return fmt.Errorf("node: encode local delivery frame: %w", err)
		}
		if _, err := m.conn.Write(out); err != nil {
			return fmt.Errorf("node: write local delivery to slot %d: %w", idx, err)
		}
		return nil
	}
	return rpc.ErrUnreachable
}

func (n *Node) SendToConnection(luid, ruid identity.UID, rhid, rsid [32]byte, payload []byte) error {
	slot, err := n.pool.Lookup(luid, ruid, rhid)
	if err != nil {
		return err
	}
	m := n.meta[slot.Index()]
	if m == nil || m.client == nil || slot.Send == nil {
		return rpc.ErrUnreachable
	}
	var peer rpc.Peer
	peer.LUID, peer.RUID, peer.RHID, peer.RSID = luid, ruid, rhid, rsid
	frame, _, err := m.client.Build("send", func(b *codec.Builder) {
		peer.EncodeInto("peer", b)
		b.AppendBinary("payload", payload)
	})
	if err != nil {
		return fmt.Errorf("node: build send frame: %w", err)
	}
	return slot.Send(frame)
}

func (n *Node) RequestClose(slotIndex int) {
	n.Loop.Notify(eventloop.Event{Tag: eventloop.RequestConnectionClosing, Slot: slotIndex})
}

func (n *Node) RequestCheckConnections() {
	known := n.identities.List()
	n.logger.Debug("connections.checkConnections sweep", "known_contacts", len(known))
	// Opening missing connections requires an outbound transport address
	// per contact, which §3's Identity record does not carry (only the
	// discovery table does, keyed by (ruid, rhid) rather than uid alone);
	// with no dialer address resolvable from an identity alone, the sweep
	// is a no-op beyond logging.
}

func (n *Node) OpenFriendRequest(luid, ruid identity.UID, rhid [32]byte) error {
	entry, ok := n.discovery.Find(ruid, rhid)
	if !ok {
		return rpc.ErrUnreachable
	}
	addr := fmt.Sprintf("%s:%d", entry.Addr, entry.Port)
	conn, err := transport.DialTCP(context.Background(), addr)
	if err != nil {
		return fmt.Errorf("node: dial friend request target: %w", err)
	}
	slot, err := n.pool.Allocate(luid, ruid, pool.DirectionOutgoing)
	if err != nil {
		_ = conn.Close()
		return err
	}
	slot.FriendRequest = true
	n.bindConnection(slot, conn, connKindCore)
	n.applyAndAct(slot, proto.EventOutgoingOpen)
	return nil
}

func (n *Node) AdvertisedServices() []string {
	// §4.G "services.list — opaque placeholder": the set of local
	// services is owned by the app-mux listener, not the core itself;
	// until a service registry is wired in, the list is always empty.
	return nil
}

// -------------------------------------------------------------------------
// Connection lifecycle
// -------------------------------------------------------------------------

// bindConnection registers conn's metadata and wires its Send callback,
// starting the read loop that feeds bytes to the event queue.
func (n *Node) bindConnection(slot *pool.Slot, conn transport.Stream, kind connKind) {
	m := &connMeta{kind: kind, conn: conn, wsid: slot.LocalServiceID}
	if kind == connKindCore {
		m.client = rpc.NewClient(n.cfg.Core.RPCBufSize)
	}
	n.meta[slot.Index()] = m
	slot.Send = func(frame []byte) error {
		_, err := conn.Write(frame)
		if n.metrics != nil && err == nil {
			n.metrics.FramesSent.Inc()
		}
		return err
	}
	go n.readLoop(slot.Index(), conn)
}

// readLoop is the one goroutine per connection permitted to touch the
// transport directly; every byte it reads is handed to the event loop via
// Notify, never processed inline (§5 "the only sanctioned cross-context
// entry point").
func (n *Node) readLoop(slotIndex int, conn transport.Stream) {
	buf := make([]byte, n.cfg.Core.RXRingSize)
	for {
		nr, err := conn.Read(buf)
		if nr > 0 {
			data := make([]byte, nr)
			copy(data, buf[:nr])
			n.Loop.Notify(eventloop.Event{Tag: eventloop.NewData, Slot: slotIndex, Data: data})
		}
		if err != nil {
			n.Loop.Notify(eventloop.Event{Tag: eventloop.RequestConnectionAbort, Slot: slotIndex})
			return
		}
	}
}

// AcceptAppConn binds an accepted app-mux connection (§6 "App TCP server").
func (n *Node) AcceptAppConn(conn transport.Stream) {
	n.acceptConn(conn, connKindApp)
}

// AcceptCoreConn binds an accepted core-to-core connection.
func (n *Node) AcceptCoreConn(conn transport.Stream) {
	n.acceptConn(conn, connKindCore)
}

func (n *Node) acceptConn(conn transport.Stream, kind connKind) {
	slot, err := n.pool.Allocate(identity.UID{}, identity.UID{}, pool.DirectionIncoming)
	if err != nil {
		n.logger.Warn("connection pool full, rejecting incoming connection", "err", err)
		_ = conn.Close()
		return
	}
	n.bindConnection(slot, conn, kind)
}

// Process is the event loop's Processor (§4.I): the single place every
// connection state change and FSM action funnels through.
func (n *Node) Process(ev eventloop.Event) {
	switch ev.Tag {
	case eventloop.Continue:
		// Reserved for handlers that split long operations across turns;
		// nothing in this build's handler set needs to re-enqueue yet.
	case eventloop.NewData:
		n.onNewData(ev.Slot, ev.Data)
	case eventloop.NewCoreConnection:
		n.applyAndActBySlot(ev.Slot, proto.EventHandshakeComplete)
	case eventloop.FriendRequest:
		n.onFriendRequest(ev.Slot)
	case eventloop.AcceptFriendRequest:
		n.applyAndActBySlot(ev.Slot, proto.EventAcceptFriendRequest)
	case eventloop.RequestConnectionClosing:
		n.applyAndActBySlot(ev.Slot, proto.EventCloseRequested)
	case eventloop.RequestConnectionAbort:
		n.applyAndActBySlot(ev.Slot, proto.EventAbortRequested)
	}
}

func (n *Node) slotAt(index int) *pool.Slot {
	var found *pool.Slot
	n.pool.Iterate(func(s *pool.Slot) {
		if s.Index() == index {
			found = s
		}
	})
	return found
}

func (n *Node) applyAndActBySlot(index int, event proto.Event) {
	slot := n.slotAt(index)
	if slot == nil {
		return
	}
	n.applyAndAct(slot, event)
}

func (n *Node) applyAndAct(slot *pool.Slot, event proto.Event) {
	res := n.pool.Apply(slot, event)
	for _, action := range res.Actions {
		n.execute(slot, action)
	}
}

func (n *Node) execute(slot *pool.Slot, action proto.Action) {
	switch action {
	case proto.ActionSendGreeting:
		n.sendGreeting(slot)
	case proto.ActionBeginHandshake:
		n.beginHandshake(slot)
	case proto.ActionDispatchFrame:
		n.dispatchPendingFrame(slot)
	case proto.ActionSendFriendCert:
		n.sendFriendCert(slot)
	case proto.ActionFlush:
		n.flush(slot)
	case proto.ActionFreeSlot:
		n.freeSlot(slot)
	}
}

func (n *Node) onNewData(index int, data []byte) {
	slot := n.slotAt(index)
	if slot == nil {
		return
	}
	slot.RXRing = append(slot.RXRing, data...)

	for {
		frameLen, err := codec.Size(slot.RXRing)
		if err != nil {
			return // not enough bytes yet for the length prefix
		}
		if frameLen > n.cfg.Core.RXRingSize {
			if n.metrics != nil {
				n.metrics.FramesDropped.Inc()
			}
			n.applyAndAct(slot, proto.EventFrameOversize)
			return
		}
		if len(slot.RXRing) < frameLen {
			return // full frame not arrived yet
		}
		frame := make([]byte, frameLen)
		copy(frame, slot.RXRing[:frameLen])
		slot.RXRing = slot.RXRing[frameLen:]
		n.consumeFrame(slot, frame)
	}
}

// consumeFrame routes one complete frame according to the slot's current
// protocol phase (§4.E).
func (n *Node) consumeFrame(slot *pool.Slot, frame []byte) {
	switch slot.State() {
	case proto.StateInitial:
		n.pendingFrame = frame
		n.applyAndAct(slot, proto.EventGreetingReceived)
	case proto.StateAuthenticated:
		n.pendingFrame = frame
		n.applyAndAct(slot, proto.EventFrameComplete)
	default:
		// Handshake/friend-request sub-states advance only via event-loop
		// signals, not raw frame data (§4.E transition table); stray data
		// here is discarded.
	}
}

func (n *Node) sendGreeting(slot *pool.Slot) {
	id := n.localIdentityForGreeting()
	buf := make([]byte, 256)
	b := codec.NewBuilder(buf)
	b.AppendBinary("luid", id[:]).AppendBinary("rhid", n.hostID[:]).AppendBool("friend", slot.FriendRequest)
	out, err := b.Finish()
	if err != nil {
		n.logger.Error("encode greeting failed", "err", err)
		return
	}
	if slot.Send != nil {
		_ = slot.Send(out)
	}
}

// localIdentityForGreeting returns this node's first local identity, used
// to populate an outgoing greeting's luid field (§3 "Host id" is separate
// from identity uids, but a greeting still needs an identity to offer).
func (n *Node) localIdentityForGreeting() identity.UID {
	for _, uid := range n.identities.List() {
		if id, ok := n.identities.Load(uid); ok && id.IsLocal() {
			return uid
		}
	}
	return identity.UID{}
}

// beginHandshake stands in for the out-of-scope handshake primitive
// (§4.E: "cryptographic details are delegated, the FSM only consumes a
// single handshake-complete signal"). It reads the peer's claimed
// luid/rhid from the staged greeting and immediately signals completion;
// a production transport would plug in real mutual authentication here.
func (n *Node) beginHandshake(slot *pool.Slot) {
	remoteFriend := false
	if n.pendingFrame != nil {
		if doc, err := codec.Parse(n.pendingFrame); err == nil {
			if ruid, err := doc.GetBinary("luid"); err == nil && len(ruid) == identity.UIDSize {
				copy(slot.RUID[:], ruid)
			}
			if rhid, err := doc.GetBinary("rhid"); err == nil && len(rhid) == 32 {
				copy(slot.RHID[:], rhid)
			}
			if friend, err := doc.GetBool("friend"); err == nil {
				remoteFriend = friend
			}
		}
		n.pendingFrame = nil
	}
	n.applyAndAct(slot, proto.EventHandshakeComplete)

	// §4.E's friend-request sub-states are driven by whichever side is
	// meant to decide whether to accept: the side that didn't initiate
	// the dial. An inbound connection whose greeting carried the friend
	// flag (slot.FriendRequest is only set locally by OpenFriendRequest's
	// own dial) learns its intent here and re-enters the event loop for
	// the policy decision, matching §9's "friend-request auto-accept via
	// event re-entry" design note.
	if slot.Direction == pool.DirectionIncoming && remoteFriend {
		slot.FriendRequest = true
		n.Loop.Notify(eventloop.Event{Tag: eventloop.FriendRequest, Slot: slot.Index()})
		return
	}

	if slot.FriendRequest {
		// Outgoing side of a friend request: nothing to do but wait for
		// the remote's contact record (unsigned) on this same connection
		// (handled by dispatchPendingFrame once it arrives).
		return
	}

	if m := n.meta[slot.Index()]; m != nil && m.kind == connKindCore {
		n.emitPeersRequest(slot, m)
	}
}

// emitPeersRequest asks a newly-authenticated core peer to advertise its
// services (§4.I "NEW_CORE_CONNECTION → mark slot AUTHENTICATED, emit a
// peers request").
func (n *Node) emitPeersRequest(slot *pool.Slot, m *connMeta) {
	if m.client == nil || slot.Send == nil {
		return
	}
	frame, _, err := m.client.Build("peers", func(*codec.Builder) {})
	if err != nil {
		n.logger.Error("build peers request failed", "err", err)
		return
	}
	if err := slot.Send(frame); err != nil {
		n.logger.Warn("send peers request failed", "err", err)
	}
}

func (n *Node) dispatchPendingFrame(slot *pool.Slot) {
	frame := n.pendingFrame
	n.pendingFrame = nil
	if frame == nil {
		return
	}
	if n.metrics != nil {
		n.metrics.FramesReceived.Inc()
	}
	doc, err := codec.Parse(frame)
	if err != nil {
		if n.metrics != nil {
			n.metrics.FramesDropped.Inc()
		}
		return
	}

	m := n.meta[slot.Index()]

	if doc.Has("req") {
		op, _ := doc.GetString("req.op")
		id, _ := doc.GetInt("req.id")
		args, _ := doc.GetDocument("req.args")
		if args == nil {
			args = &codec.Document{}
		}
		server := n.AppServer
		if m != nil && m.kind == connKindCore {
			server = n.CoreServer
		}
		server.Dispatch(op, args, uint32(id), slot.LocalServiceID, slot.Send)
		return
	}

	// The initiating side of a friend request waits on this same
	// connection (still AUTHENTICATED, not wrapped in an ack/err/sig
	// envelope) for the remote's contact record written by sendFriendCert
	// (§4.E state 5): its exported identity, carrying no signature. Anything else unenveloped is a
	// stray frame and is ignored.
	if slot.FriendRequest && slot.Direction == pool.DirectionOutgoing &&
		!doc.Has("ack") && !doc.Has("err") && !doc.Has("sig") {
		if _, err := n.identities.Import(doc, slot.LUID); err != nil {
			n.logger.Warn("friend cert import failed", "err", err)
		} else {
			n.persist()
		}
		n.RequestClose(slot.Index())
		return
	}

	if m != nil && m.client != nil {
		m.client.HandleEnvelope(doc)
	}
}

func (n *Node) sendFriendCert(slot *pool.Slot) {
	uid := n.localIdentityForGreeting()
	buf := make([]byte, n.cfg.Core.RPCBufSize)
	out, err := n.identities.Export(uid, buf)
	if err != nil {
		n.logger.Error("encode friend cert failed", "err", err)
	} else if slot.Send != nil {
		_ = slot.Send(out)
	}
	n.applyAndAct(slot, proto.EventFriendCertSent)
}

func (n *Node) flush(slot *pool.Slot) {
	n.AppServer.CancelByServiceID(slot.LocalServiceID)
	n.CoreServer.CancelByServiceID(slot.LocalServiceID)
	if m, ok := n.meta[slot.Index()]; ok {
		if m.client != nil {
			m.client.CancelAll(rpc.ErrorInfo{Kind: rpc.KindTransportProtocol, Code: 506, Msg: "UNREACHABLE"})
		}
		if m.conn != nil {
			_ = m.conn.Close()
		}
		delete(n.meta, slot.Index())
	}
	n.applyAndAct(slot, proto.EventFlushed)
}

func (n *Node) freeSlot(slot *pool.Slot) {
	n.pool.Close(slot)
}

func (n *Node) onFriendRequest(index int) {
	slot := n.slotAt(index)
	if slot == nil {
		return
	}
	n.applyAndAct(slot, proto.EventFriendRequestOpen)

	contacts := 0
	for _, uid := range n.identities.List() {
		if id, ok := n.identities.Load(uid); ok && !id.IsLocal() {
			contacts++
		}
	}
	policy := n.cfg.Core.AutoAcceptAll || (n.cfg.Core.AutoAcceptIfEmpty && contacts == 0)
	if policy {
		n.Loop.Notify(eventloop.Event{Tag: eventloop.AcceptFriendRequest, Slot: index})
	}
}
