package identity

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/meshcore/wishcore/internal/codec"
)

func newTestStore() *Store {
	return NewStore(DefaultMaxIdentities, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCreateExportImportRoundTrip(t *testing.T) {
	store := newTestStore()

	alice, err := store.Create("Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !alice.IsLocal() {
		t.Fatal("Create: expected a local identity")
	}

	buf := make([]byte, 512)
	exported, err := store.Export(alice.UID, buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	doc, err := codec.Parse(exported)
	if err != nil {
		t.Fatalf("Parse exported doc: %v", err)
	}
	if doc.Has("privkey") {
		t.Fatal("exported document must not contain a private key")
	}
	if v, _ := doc.GetString("alias"); v != "Alice" {
		t.Fatalf("exported alias = %q, want Alice", v)
	}

	if !store.Remove(alice.UID) {
		t.Fatal("Remove: expected true")
	}

	imported, err := store.Import(doc, alice.UID)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported.UID != alice.UID || imported.Alias != "Alice" {
		t.Fatalf("Import: got %+v", imported)
	}
	if imported.IsLocal() {
		t.Fatal("imported contact must not carry a private key")
	}

	list := store.List()
	if len(list) != 1 || list[0] != alice.UID {
		t.Fatalf("List() = %v, want [%x]", list, alice.UID)
	}
}

func TestSignVerify(t *testing.T) {
	store := newTestStore()
	id, err := store.Create("Bob")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	hash := bytes.Repeat([]byte{0xde, 0xad, 0xbe, 0xef}, 8)

	sig, err := store.Sign(id.UID, hash)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := store.Verify(id.UID, sig[:], hash)
	if err != nil || !ok {
		t.Fatalf("Verify(correct) = %v, %v", ok, err)
	}

	flipped := bytes.Clone(hash)
	flipped[0] ^= 0xff
	ok, err = store.Verify(id.UID, sig[:], flipped)
	if err != nil || ok {
		t.Fatalf("Verify(flipped hash) = %v, %v, want false", ok, err)
	}

	flippedSig := sig
	flippedSig[0] ^= 0xff
	ok, err = store.Verify(id.UID, flippedSig[:], hash)
	if err != nil || ok {
		t.Fatalf("Verify(flipped sig) = %v, %v, want false", ok, err)
	}
}

func TestSignContactHasNoPrivKey(t *testing.T) {
	store := newTestStore()
	id, err := store.Create("Carol")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	buf := make([]byte, 512)
	exported, err := store.Export(id.UID, buf)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	doc, _ := codec.Parse(exported)
	store.Remove(id.UID)
	contact, err := store.Import(doc, id.UID)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if _, err := store.Sign(contact.UID, bytes.Repeat([]byte{1}, 32)); !errors.Is(err, ErrNoPrivKey) {
		t.Fatalf("Sign(contact) err = %v, want ErrNoPrivKey", err)
	}
}

func TestStoreFullAndDuplicate(t *testing.T) {
	store := NewStore(2, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := store.Create("one"); err != nil {
		t.Fatalf("Create 1: %v", err)
	}
	if _, err := store.Create("two"); err != nil {
		t.Fatalf("Create 2: %v", err)
	}
	if _, err := store.Create("three"); !errors.Is(err, ErrTooMany) {
		t.Fatalf("Create 3 err = %v, want ErrTooMany", err)
	}
}

func TestImportDuplicate(t *testing.T) {
	store := newTestStore()
	id, err := store.Create("Dave")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	buf := make([]byte, 512)
	exported, _ := store.Export(id.UID, buf)
	doc, _ := codec.Parse(exported)
	if _, err := store.Import(doc, id.UID); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Import(already known) err = %v, want ErrDuplicate", err)
	}
}

func TestLoadNotFound(t *testing.T) {
	store := newTestStore()
	if _, ok := store.Load(UID{0xff}); ok {
		t.Fatal("Load(unknown) ok = true")
	}
}

func TestBlobRoundTrip(t *testing.T) {
	store := newTestStore()
	if _, err := store.Create("Eve"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	buf := make([]byte, MaxBlobSize)
	blob, err := store.SaveBlob(buf)
	if err != nil {
		t.Fatalf("SaveBlob: %v", err)
	}

	restored := newTestStore()
	if err := restored.LoadBlob(blob); err != nil {
		t.Fatalf("LoadBlob: %v", err)
	}
	if len(restored.List()) != 1 {
		t.Fatalf("restored List() len = %d, want 1", len(restored.List()))
	}
	got, ok := restored.Load(store.List()[0])
	if !ok || got.Alias != "Eve" || !got.IsLocal() {
		t.Fatalf("restored identity = %+v, ok=%v", got, ok)
	}
}

func TestLoadBlobCorrupt(t *testing.T) {
	store := newTestStore()
	if _, err := store.Create("Frank"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.LoadBlob([]byte{1, 2, 3}); !errors.Is(err, ErrCorruptBlob) {
		t.Fatalf("LoadBlob(short) err = %v, want ErrCorruptBlob", err)
	}
	if len(store.List()) != 0 {
		t.Fatal("LoadBlob(short) did not reset the store to empty")
	}
}

func TestDeriveUIDIsDeterministic(t *testing.T) {
	store := newTestStore()
	id, err := store.Create("Grace")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if deriveUID(id.PubKey) != id.UID {
		t.Fatal("deriveUID is not deterministic over the stored pubkey")
	}
}
