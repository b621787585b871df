package rpc

import (
	"testing"

	"github.com/meshcore/wishcore/internal/codec"
)

// TestCancelByServiceIDOnlyCancelsMatchingConnection exercises §8 Testable
// Property #6: closing a connection must drop every RPC context bound to
// that connection's local service id and no others. Two simultaneous
// requests are dispatched on distinct service ids and left pending (as an
// async handler would leave them, mid-flight); cancelling one id must
// leave the other's context live and still able to complete.
func TestCancelByServiceIDOnlyCancelsMatchingConnection(t *testing.T) {
	s := NewServer(4, 256, nil, nil)

	pending := map[uint32]*Ctx{}
	s.Register("hold", func(ctx *Ctx, args *codec.Document) error {
		pending[ctx.id] = ctx
		return nil // simulate an async handler that replies later
	})

	var idA, idB [32]byte
	idA[0] = 0xAA
	idB[0] = 0xBB

	var sentB bool
	sendA := func([]byte) error { return nil }
	sendB := func([]byte) error { sentB = true; return nil }

	s.Dispatch("hold", nil, 1, idA, sendA)
	s.Dispatch("hold", nil, 2, idB, sendB)

	ctxA, ok := pending[1]
	if !ok {
		t.Fatal("expected context for request 1 to be captured")
	}
	ctxB, ok := pending[2]
	if !ok {
		t.Fatal("expected context for request 2 to be captured")
	}
	if ctxA.free || ctxB.free {
		t.Fatal("both contexts should still be held pending before cancellation")
	}

	n := s.CancelByServiceID(idA)
	if n != 1 {
		t.Fatalf("CancelByServiceID released %d contexts, want 1", n)
	}
	if !ctxA.free {
		t.Fatal("closing connection A's service id should release its context")
	}
	if ctxB.free {
		t.Fatal("closing connection A must not release connection B's context")
	}

	if err := ctxB.Send(func(b *codec.Builder) { b.AppendString("data", "ok") }); err != nil {
		t.Fatalf("B's pending request should still complete: %v", err)
	}
	if !sentB {
		t.Fatal("B's send callback should have been invoked")
	}
	if !ctxB.free {
		t.Fatal("ctxB should be released after Send")
	}
}

// TestDispatchUnknownOpRepliesErrorAndReleasesContext confirms an unknown
// op still gets a terminal error envelope and frees its pool slot (§4.E).
func TestDispatchUnknownOpRepliesErrorAndReleasesContext(t *testing.T) {
	s := NewServer(2, 256, nil, nil)

	var gotErr bool
	send := func(frame []byte) error {
		doc, err := codec.Parse(frame)
		if err != nil {
			t.Fatalf("parse reply: %v", err)
		}
		if _, err := doc.GetInt("err"); err == nil {
			gotErr = true
		}
		return nil
	}

	s.Dispatch("no.such.op", nil, 9, [32]byte{}, send)

	if !gotErr {
		t.Fatal("expected an err envelope for an unregistered op")
	}
	for i := range s.ctxPool {
		if !s.ctxPool[i].free {
			t.Fatalf("ctx pool slot %d still held after dispatch completed", i)
		}
	}
}
