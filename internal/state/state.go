// Package state implements the node's persistent state file (§6
// "Persistent state"): a single blob of a 4-byte little-endian length
// prefix followed by one self-describing document holding the identity
// set and a configuration version tag, rewritten wholesale on any
// mutation (§9 SUPPLEMENTED FEATURES, wish_config.c: "no partial
// updates"). The physical storage medium is out of scope (§1) and
// consumed only through the BlobStore interface below.
package state

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/identity"
)

// CurrentVersion is the configuration version tag written by this build.
const CurrentVersion = 1

// MaxBlobSize caps the persisted blob, shared with the identity store's
// own cap (§4.B, §6).
const MaxBlobSize = identity.MaxBlobSize

// ErrCorrupt indicates the blob's length prefix or document body did not
// parse; the caller proceeds with an empty store after rewriting it with
// defaults (§4.B "a fatal config error").
var ErrCorrupt = errors.New("state: persisted blob corrupt")

// BlobStore is the flat key/value blob primitive this package consumes
// (§1 "Persistent storage ... a flat key/value blob store with
// open/read/write/seek/close"). Implementations are out of scope for the
// core's own reimplementation; FileBlobStore below is this repository's
// reference instance.
type BlobStore interface {
	Open(path string) error
	Read() ([]byte, error)
	Write(data []byte) error
	Seek(offset int64) error
	Close() error
}

// FileBlobStore is a BlobStore backed by a single flat file on disk.
type FileBlobStore struct {
	f *os.File
}

// Open opens (creating if necessary) the file at path.
func (fb *FileBlobStore) Open(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("state: open %s: %w", path, err)
	}
	fb.f = f
	return nil
}

// Read reads the entire file from its current offset to EOF.
func (fb *FileBlobStore) Read() ([]byte, error) {
	info, err := fb.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("state: stat: %w", err)
	}
	buf := make([]byte, info.Size())
	if _, err := fb.f.ReadAt(buf, 0); err != nil && len(buf) > 0 {
		return nil, fmt.Errorf("state: read: %w", err)
	}
	return buf, nil
}

// Write truncates the file and writes data from offset 0 (§9
// SUPPLEMENTED FEATURES: the blob is always rewritten wholesale).
func (fb *FileBlobStore) Write(data []byte) error {
	if err := fb.f.Truncate(0); err != nil {
		return fmt.Errorf("state: truncate: %w", err)
	}
	if _, err := fb.f.WriteAt(data, 0); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	return fb.f.Sync()
}

// Seek repositions the file's read/write offset.
func (fb *FileBlobStore) Seek(offset int64) error {
	_, err := fb.f.Seek(offset, 0)
	return err
}

// Close releases the underlying file handle.
func (fb *FileBlobStore) Close() error {
	if fb.f == nil {
		return nil
	}
	return fb.f.Close()
}

// Store ties an identity.Store to its persisted blob representation.
type Store struct {
	logger  *slog.Logger
	version int
}

// New constructs a Store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With("component", "state"), version: CurrentVersion}
}

// Version returns the configuration version tag most recently loaded (or
// CurrentVersion if nothing has been loaded yet).
func (s *Store) Version() int { return s.version }

// Load reads the blob from blob and decodes it into identities. On any
// corruption (length mismatch, truncation, oversize, bad document), it
// leaves identities as they were, logs the failure, and returns ErrCorrupt
// so the caller can immediately rewrite the file with defaults (§4.B).
func (s *Store) Load(blob BlobStore, identities *identity.Store) error {
	if err := blob.Seek(0); err != nil {
		return fmt.Errorf("state: seek: %w", err)
	}
	buf, err := blob.Read()
	if err != nil {
		return fmt.Errorf("state: read: %w", err)
	}
	if len(buf) == 0 {
		// Fresh file: nothing to load, not corruption.
		s.version = CurrentVersion
		return nil
	}
	if len(buf) < 4 {
		s.logger.Error("state blob too short", "len", len(buf))
		return fmt.Errorf("%w: %d bytes", ErrCorrupt, len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if n > MaxBlobSize || int(n) != len(buf) {
		s.logger.Error("state blob length mismatch",
			"declared", n, "actual", len(buf))
		return fmt.Errorf("%w: declared %d, actual %d", ErrCorrupt, n, len(buf))
	}
	doc, err := codec.Parse(buf)
	if err != nil {
		s.logger.Error("state blob parse failed", "err", err)
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := identities.DecodeFrom(doc); err != nil {
		s.logger.Error("state blob identities decode failed", "err", err)
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	version, err := doc.GetInt("version")
	if err != nil {
		version = CurrentVersion
	}
	s.version = int(version)
	return nil
}

// Save encodes identities and the version tag into one document and
// writes it wholesale to blob.
func (s *Store) Save(blob BlobStore, identities *identity.Store) error {
	buf := make([]byte, MaxBlobSize)
	b := codec.NewBuilder(buf)
	identities.EncodeInto(b)
	b.AppendInt("version", int64(s.version))
	out, err := b.Finish()
	if err != nil {
		return fmt.Errorf("state: encode: %w", err)
	}
	if err := blob.Seek(0); err != nil {
		return fmt.Errorf("state: seek: %w", err)
	}
	if err := blob.Write(out); err != nil {
		return fmt.Errorf("state: write: %w", err)
	}
	return nil
}
