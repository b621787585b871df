package rpc

import (
	"testing"

	"github.com/meshcore/wishcore/internal/codec"
)

func TestClientBuildFireAndForgetHasNoID(t *testing.T) {
	c := NewClient(256)
	frame, id, err := c.Build("services.send", func(b *codec.Builder) {
		b.AppendString("hello", "world")
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if id != 0 {
		t.Fatalf("id = %d, want 0 for fire-and-forget", id)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0", c.Pending())
	}

	doc, err := codec.Parse(frame)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	op, err := doc.GetString("req.op")
	if err != nil || op != "services.send" {
		t.Fatalf("req.op = %q, %v", op, err)
	}
	if doc.Has("req.id") {
		t.Fatal("fire-and-forget frame should not carry req.id")
	}
}

// TestClientHandleEnvelopeDeliversFullEnvelope exercises the fix for a bug
// where HandleEnvelope pre-unwrapped the "data" field as a *codec.Document,
// which silently produced nil for any op whose reply data is not itself a
// document (arrays, binary, bool, string — most ops).
func TestClientHandleEnvelopeDeliversFullEnvelope(t *testing.T) {
	c := NewClient(256)

	var gotKind string
	var gotEnvelope *codec.Document
	var gotTerminal bool
	_, id, err := c.BuildWithReply("identity.list", nil, func(kind string, envelope *codec.Document, terminal bool) {
		gotKind = kind
		gotEnvelope = envelope
		gotTerminal = terminal
	})
	if err != nil {
		t.Fatalf("BuildWithReply: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id when a callback is registered")
	}

	buf := make([]byte, 512)
	b := codec.NewBuilder(buf)
	b.AppendInt("ack", int64(id))
	b.AppendArray("data", func(ab *codec.ArrayBuilder) {
		ab.Document(func(sub *codec.Builder) {
			sub.AppendBinary("uid", make([]byte, 32)).AppendString("alias", "alice")
		})
	})
	out, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	doc, err := codec.Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c.HandleEnvelope(doc)

	if gotKind != "ack" || !gotTerminal {
		t.Fatalf("kind = %q, terminal = %v, want ack/true", gotKind, gotTerminal)
	}
	if gotEnvelope == nil {
		t.Fatal("envelope passed to callback is nil")
	}
	alias, err := gotEnvelope.GetString("data.0.alias")
	if err != nil || alias != "alice" {
		t.Fatalf("data.0.alias = %q, %v", alias, err)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after terminal reply", c.Pending())
	}
}

func TestClientHandleEnvelopeSigKeepsCallbackRegistered(t *testing.T) {
	c := NewClient(256)
	var calls int
	_, id, err := c.BuildWithReply("wld.friendRequest", nil, func(kind string, envelope *codec.Document, terminal bool) {
		calls++
		if terminal {
			t.Errorf("call %d: terminal = true, want false for sig", calls)
		}
	})
	if err != nil {
		t.Fatalf("BuildWithReply: %v", err)
	}

	buf := make([]byte, 256)
	b := codec.NewBuilder(buf)
	b.AppendInt("sig", int64(id))
	b.AppendString("data", "wait")
	out, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	doc, err := codec.Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c.HandleEnvelope(doc)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1 (sig is non-terminal)", c.Pending())
	}
}

func TestClientCancelAllDeliversErrEnvelope(t *testing.T) {
	c := NewClient(256)
	var gotCode int64
	var gotMsg string
	_, _, err := c.BuildWithReply("connections.list", nil, func(kind string, envelope *codec.Document, terminal bool) {
		if kind != "err" || !terminal {
			t.Errorf("kind = %q, terminal = %v, want err/true", kind, terminal)
		}
		gotCode, _ = envelope.GetInt("data.code")
		gotMsg, _ = envelope.GetString("data.msg")
	})
	if err != nil {
		t.Fatalf("BuildWithReply: %v", err)
	}

	c.CancelAll(ErrorInfo{Code: 506, Msg: "connection closed"})

	if gotCode != 506 || gotMsg != "connection closed" {
		t.Fatalf("got code=%d msg=%q, want 506/connection closed", gotCode, gotMsg)
	}
	if c.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after CancelAll", c.Pending())
	}
}

func TestClientHandleEnvelopeUnmatchedIDIsDropped(t *testing.T) {
	c := NewClient(256)

	buf := make([]byte, 64)
	b := codec.NewBuilder(buf)
	b.AppendInt("ack", 999)
	b.AppendBool("data", true)
	out, err := b.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	doc, err := codec.Parse(out)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	// Must not panic on an id with no registered callback.
	c.HandleEnvelope(doc)
}
