package node_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/config"
	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/node"
	"github.com/meshcore/wishcore/internal/pool"
)

// readFrame blocks until one complete length-prefixed document frame has
// arrived on conn, mirroring the event loop's own RX ring parsing.
func readFrame(t *testing.T, conn net.Conn) *codec.Document {
	t.Helper()
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)
	for {
		if frameLen, err := codec.Size(buf); err == nil && len(buf) >= frameLen {
			doc, err := codec.Parse(buf[:frameLen])
			if err != nil {
				t.Fatalf("parse frame: %v", err)
			}
			return doc
		}
		n, err := conn.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			continue
		}
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
	}
}

func buildFrame(t *testing.T, fn func(*codec.Builder)) []byte {
	t.Helper()
	buf := make([]byte, 1400)
	b := codec.NewBuilder(buf)
	fn(b)
	out, err := b.Finish()
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	return out
}

// greeting builds a minimal greeting frame (§4.E phase INITIAL); fields
// are all optional from the receiver's point of view.
func greeting(t *testing.T) []byte {
	return buildFrame(t, func(b *codec.Builder) {
		b.AppendBinary("luid", make([]byte, 32)).
			AppendBinary("rhid", make([]byte, 32)).
			AppendBool("friend", false)
	})
}

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	cfg := config.DefaultConfig()
	var hostID [32]byte
	hostID[0] = 1
	n, err := node.New(cfg, hostID, nil, nil, nil, nil)
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	return n
}

func runLoop(t *testing.T, n *node.Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go n.Loop.Run(ctx, n.Process)
}

// TestAppRPCRoundTrip drives a connection through INITIAL -> HANDSHAKE ->
// AUTHENTICATED and confirms a request with id != 0 gets exactly one
// terminal ack envelope bearing that id (§8 property 1).
func TestAppRPCRoundTrip(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	runLoop(t, n)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })
	n.AcceptAppConn(serverConn)

	if _, err := clientConn.Write(greeting(t)); err != nil {
		t.Fatalf("write greeting: %v", err)
	}

	if err := clientConn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}

	reqFrame := buildFrame(t, func(b *codec.Builder) {
		b.AppendDocument("req", func(sub *codec.Builder) {
			sub.AppendString("op", "version").AppendInt("id", 7)
		})
	})
	if _, err := clientConn.Write(reqFrame); err != nil {
		t.Fatalf("write request: %v", err)
	}

	reply := readFrame(t, clientConn)
	id, err := reply.GetInt("ack")
	if err != nil {
		t.Fatalf("expected ack envelope, got %v (err=%v)", reply, err)
	}
	if id != 7 {
		t.Errorf("ack id = %d, want 7", id)
	}
	version, err := reply.GetString("data")
	if err != nil || version != node.Version {
		t.Errorf("data = %q, err = %v, want %q", version, err, node.Version)
	}
}

// TestAppRPCUnknownOpReturnsErrAndKeepsConnection confirms an unknown op
// inside an authenticated frame gets an RPC error reply while the
// connection is kept open (§4.E "Failure semantics").
func TestAppRPCUnknownOpReturnsErrAndKeepsConnection(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	runLoop(t, n)

	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close() })
	n.AcceptAppConn(serverConn)

	_, _ = clientConn.Write(greeting(t))
	_ = clientConn.SetDeadline(time.Now().Add(2 * time.Second))

	reqFrame := buildFrame(t, func(b *codec.Builder) {
		b.AppendDocument("req", func(sub *codec.Builder) {
			sub.AppendString("op", "no.such.op").AppendInt("id", 3)
		})
	})
	_, _ = clientConn.Write(reqFrame)

	reply := readFrame(t, clientConn)
	id, err := reply.GetInt("err")
	if err != nil {
		t.Fatalf("expected err envelope, got %v (err=%v)", reply, err)
	}
	if id != 3 {
		t.Errorf("err id = %d, want 3", id)
	}

	// Connection must still be usable: a follow-up valid request succeeds.
	reqFrame2 := buildFrame(t, func(b *codec.Builder) {
		b.AppendDocument("req", func(sub *codec.Builder) {
			sub.AppendString("op", "version").AppendInt("id", 4)
		})
	})
	_, _ = clientConn.Write(reqFrame2)
	reply2 := readFrame(t, clientConn)
	if _, err := reply2.GetInt("ack"); err != nil {
		t.Fatalf("expected connection kept alive after error, got %v", reply2)
	}
}

// TestFriendRequestAutoAcceptRoundTrip exercises S5: a node with zero
// contacts and the "accept if empty" policy auto-accepts an inbound
// friend request, replies with its contact record, and the
// initiator ends up with the remote as a contact.
func TestFriendRequestAutoAcceptRoundTrip(t *testing.T) {
	t.Parallel()

	receiver := newTestNode(t)
	runLoop(t, receiver)
	if _, err := receiver.Identities().Create("Bob"); err != nil {
		t.Fatalf("receiver identity.create: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			receiver.AcceptCoreConn(conn)
		}
	}()

	initiator := newTestNode(t)
	runLoop(t, initiator)
	aliceID, err := initiator.Identities().Create("Alice")
	if err != nil {
		t.Fatalf("initiator identity.create: %v", err)
	}

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		t.Fatalf("parse port: %v", err)
	}

	var rhid, ruid [32]byte
	rhid[0] = 0xAA
	ruid[0] = 0xBB
	initiator.Discovery().Insert("receiver", identity.UID(ruid), rhid, [32]byte{}, host, port)

	if err := initiator.OpenFriendRequest(aliceID.UID, identity.UID(ruid), rhid); err != nil {
		t.Fatalf("OpenFriendRequest: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(receiver.Identities().List()) >= 2 && len(initiator.Identities().List()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	receiverContacts := receiver.Identities().List()
	if len(receiverContacts) != 2 {
		t.Fatalf("receiver has %d identities, want 2 (Bob + Alice contact)", len(receiverContacts))
	}
	initiatorContacts := initiator.Identities().List()
	if len(initiatorContacts) != 2 {
		t.Fatalf("initiator has %d identities, want 2 (Alice + Bob contact)", len(initiatorContacts))
	}
}

// TestServicesSendRoutesToTargetNotSender exercises §4.G "services.send
// routing" for the local-delivery case with two simultaneous app
// connections: the payload addressed to B's local service id must land on
// B, never on A, which requires each accepted connection to carry a
// distinct bound local service id (§3/§4.D) and the routing lookup to use
// the caller's original target id rather than the sender's own swapped id.
func TestServicesSendRoutesToTargetNotSender(t *testing.T) {
	t.Parallel()

	n := newTestNode(t)
	runLoop(t, n)

	aClient, aServer := net.Pipe()
	t.Cleanup(func() { _ = aClient.Close() })
	n.AcceptAppConn(aServer)

	bClient, bServer := net.Pipe()
	t.Cleanup(func() { _ = bClient.Close() })
	n.AcceptAppConn(bServer)

	var ids [][32]byte
	n.Pool().Iterate(func(s *pool.Slot) {
		ids = append(ids, s.LocalServiceID)
	})
	if len(ids) != 2 {
		t.Fatalf("expected 2 occupied slots after accepting both connections, got %d", len(ids))
	}
	if ids[0] == ids[1] {
		t.Fatal("two connections must be bound to distinct local service ids")
	}
	targetID := ids[1]

	for _, c := range []net.Conn{aClient, bClient} {
		if _, err := c.Write(greeting(t)); err != nil {
			t.Fatalf("write greeting: %v", err)
		}
		if err := c.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
	}

	var hostID [32]byte
	hostID[0] = 1

	reqFrame := buildFrame(t, func(b *codec.Builder) {
		b.AppendDocument("req", func(sub *codec.Builder) {
			sub.AppendString("op", "services.send").
				AppendInt("id", 0).
				AppendDocument("args", func(a *codec.Builder) {
					a.AppendDocument("peer", func(p *codec.Builder) {
						p.AppendBinary("luid", make([]byte, 32)).
							AppendBinary("ruid", make([]byte, 32)).
							AppendBinary("rhid", hostID[:]).
							AppendBinary("rsid", targetID[:]).
							AppendString("protocol", "")
					}).AppendBinary("payload", []byte("hello"))
				})
		})
	})
	if _, err := aClient.Write(reqFrame); err != nil {
		t.Fatalf("write services.send: %v", err)
	}

	reply := readFrame(t, bClient)
	typ, err := reply.GetString("type")
	if err != nil || typ != "frame" {
		t.Fatalf("expected a delivered frame on B, got %v (err=%v)", reply, err)
	}
	payload, err := reply.GetBinary("data")
	if err != nil || string(payload) != "hello" {
		t.Fatalf("data = %q, err = %v, want %q", payload, err, "hello")
	}
}
