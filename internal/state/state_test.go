package state_test

import (
	"path/filepath"
	"testing"

	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/state"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.blob")

	store := identity.NewStore(identity.DefaultMaxIdentities, nil)
	alice, err := store.Create("Alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	var fb state.FileBlobStore
	if err := fb.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := state.New(nil)
	if err := s.Save(&fb, store); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := fb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var fb2 state.FileBlobStore
	if err := fb2.Open(path); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fb2.Close()

	loaded := identity.NewStore(identity.DefaultMaxIdentities, nil)
	s2 := state.New(nil)
	if err := s2.Load(&fb2, loaded); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s2.Version() != state.CurrentVersion {
		t.Errorf("Version() = %d, want %d", s2.Version(), state.CurrentVersion)
	}

	got, ok := loaded.Load(alice.UID)
	if !ok {
		t.Fatal("loaded store missing identity")
	}
	if got.Alias != "Alice" || !got.IsLocal() {
		t.Errorf("loaded identity = %+v, want alias Alice with privkey", got)
	}
}

func TestLoadEmptyFileIsNotCorrupt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "empty.blob")

	var fb state.FileBlobStore
	if err := fb.Open(path); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fb.Close()

	store := identity.NewStore(identity.DefaultMaxIdentities, nil)
	s := state.New(nil)
	if err := s.Load(&fb, store); err != nil {
		t.Fatalf("Load of fresh file returned error: %v", err)
	}
	if len(store.List()) != 0 {
		t.Errorf("fresh store should be empty, got %d entries", len(store.List()))
	}
}
