// Package identity implements the local identity/contact store (§4.B): a
// small, fixed-capacity table of Ed25519 keypairs keyed by a uid derived
// from the canonical public-key document.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/blake2b"

	"github.com/meshcore/wishcore/internal/codec"
)

const (
	// UIDSize is the width of a uid and of a public key.
	UIDSize = 32

	// SeedSize is the width of a stored private key (an Ed25519 seed, not
	// the 64-byte expanded key Go's stdlib otherwise works with).
	SeedSize = ed25519.SeedSize

	// SigSize is the width of an Ed25519 signature.
	SigSize = ed25519.SignatureSize

	// MaxAliasLen bounds the alias string (§3 "alias string (≤ bounded length)").
	MaxAliasLen = 64

	// DefaultMaxIdentities is the store's default fixed capacity (§3, §6).
	DefaultMaxIdentities = 4

	// MaxBlobSize caps the persisted blob (§4.B, §6).
	MaxBlobSize = 4096
)

// Sentinel errors (§7 "not-found" / "resource-exhausted" / "argument-shape" kinds).
var (
	ErrTooMany      = errors.New("identity: store full")
	ErrDuplicate    = errors.New("identity: uid already known")
	ErrNotFound     = errors.New("identity: uid not found")
	ErrNoPrivKey    = errors.New("identity: no private key for uid")
	ErrAliasTooLong = errors.New("identity: alias exceeds maximum length")
	ErrBadHashLen   = errors.New("identity: hash must be 32..64 bytes")
	ErrBadSigLen    = errors.New("identity: signature must be 64 bytes")
	ErrBadKeyLen    = errors.New("identity: public key must be 32 bytes")
	ErrCorruptBlob  = errors.New("identity: persisted blob corrupt")
)

// UID is a 32-byte identity identifier, derived from the canonical
// public-key document (§3 "uid = hash of the canonical public-key document").
type UID [UIDSize]byte

// Hex renders the uid for logging.
func (u UID) Hex() string { return hex.EncodeToString(u[:]) }

// Identity is one entry of the store: a local keypair (PrivSeed != nil) or
// a contact (PrivSeed == nil).
type Identity struct {
	UID     UID
	Alias   string
	PubKey  [UIDSize]byte
	PrivSeed *[SeedSize]byte
}

// IsLocal reports whether this identity holds a private key.
func (id *Identity) IsLocal() bool { return id.PrivSeed != nil }

// Store is the fixed-capacity identity/contact table. It is mutated only
// from event-loop turns (§5) and carries no internal locking.
type Store struct {
	logger  *slog.Logger
	max     int
	entries []*Identity // store order; List() iterates in this order
}

// NewStore constructs an empty store with the given capacity.
func NewStore(max int, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{logger: logger.With("component", "identity"), max: max}
}

func (s *Store) find(uid UID) *Identity {
	for _, id := range s.entries {
		if id.UID == uid {
			return id
		}
	}
	return nil
}

// deriveUID hashes the canonical public-key document to a uid. The buffer
// is sized generously enough that the fixed-size pubkey+tag document never
// overflows it.
func deriveUID(pubkey [UIDSize]byte) UID {
	buf := make([]byte, 128)
	b := codec.NewBuilder(buf)
	b.AppendString("alg", "ed25519").AppendBinary("pubkey", pubkey[:])
	out, err := b.Finish()
	if err != nil {
		// Unreachable: 128 bytes comfortably covers a two-field document
		// with a 32-byte binary payload and short keys.
		panic(fmt.Sprintf("identity: canonical pubkey document overflowed fixed buffer: %v", err))
	}
	return UID(blake2b.Sum256(out))
}

// Create generates a new Ed25519 keypair, derives its uid, and persists it
// as a local identity.
func (s *Store) Create(alias string) (*Identity, error) {
	if len(alias) > MaxAliasLen {
		return nil, ErrAliasTooLong
	}
	if len(s.entries) >= s.max {
		return nil, ErrTooMany
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate keypair: %w", err)
	}
	var pubArr [UIDSize]byte
	copy(pubArr[:], pub)
	uid := deriveUID(pubArr)
	if s.find(uid) != nil {
		return nil, ErrDuplicate
	}
	var seed [SeedSize]byte
	copy(seed[:], priv.Seed())
	id := &Identity{UID: uid, Alias: alias, PubKey: pubArr, PrivSeed: &seed}
	s.entries = append(s.entries, id)
	s.logger.Info("identity created", "uid", uid.Hex(), "alias", alias)
	return id, nil
}

// Import validates an exported document and persists it as a contact
// (no private key). befriendUID names the local identity on whose behalf
// the import happened, for logging only — the store itself does not
// partition contacts by who befriended them.
func (s *Store) Import(doc *codec.Document, befriendUID UID) (*Identity, error) {
	alias, err := doc.GetString("alias")
	if err != nil {
		return nil, fmt.Errorf("identity: import alias: %w", err)
	}
	if len(alias) > MaxAliasLen {
		return nil, ErrAliasTooLong
	}
	pubRaw, err := doc.GetBinary("pubkey")
	if err != nil {
		return nil, fmt.Errorf("identity: import pubkey: %w", err)
	}
	if len(pubRaw) != UIDSize {
		return nil, ErrBadKeyLen
	}
	var pubArr [UIDSize]byte
	copy(pubArr[:], pubRaw)
	uid := deriveUID(pubArr)
	if s.find(uid) != nil {
		return nil, ErrDuplicate
	}
	if len(s.entries) >= s.max {
		return nil, ErrTooMany
	}
	id := &Identity{UID: uid, Alias: alias, PubKey: pubArr}
	s.entries = append(s.entries, id)
	s.logger.Info("identity imported", "uid", uid.Hex(), "alias", alias, "befriend_uid", befriendUID.Hex())
	return id, nil
}

// Export encodes the stored identity as a document with the private key
// stripped, writing into buf.
func (s *Store) Export(uid UID, buf []byte) ([]byte, error) {
	id := s.find(uid)
	if id == nil {
		return nil, ErrNotFound
	}
	b := codec.NewBuilder(buf)
	b.AppendBinary("uid", id.UID[:]).
		AppendString("alias", id.Alias).
		AppendBinary("pubkey", id.PubKey[:])
	out, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("identity: export %s: %w", uid.Hex(), err)
	}
	return out, nil
}

// Remove deletes the entry for uid, if present.
func (s *Store) Remove(uid UID) bool {
	for i, id := range s.entries {
		if id.UID == uid {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			s.logger.Info("identity removed", "uid", uid.Hex())
			return true
		}
	}
	return false
}

// Load returns the identity for uid, if present.
func (s *Store) Load(uid UID) (*Identity, bool) {
	id := s.find(uid)
	return id, id != nil
}

// LoadPrivKey returns the stored seed for a local identity.
func (s *Store) LoadPrivKey(uid UID) (*[SeedSize]byte, error) {
	id := s.find(uid)
	if id == nil {
		return nil, ErrNotFound
	}
	if id.PrivSeed == nil {
		return nil, ErrNoPrivKey
	}
	return id.PrivSeed, nil
}

// LoadPubKey returns the stored public key.
func (s *Store) LoadPubKey(uid UID) ([UIDSize]byte, error) {
	id := s.find(uid)
	if id == nil {
		return [UIDSize]byte{}, ErrNotFound
	}
	return id.PubKey, nil
}

// List returns every known uid in store order.
func (s *Store) List() []UID {
	out := make([]UID, len(s.entries))
	for i, id := range s.entries {
		out[i] = id.UID
	}
	return out
}

// Sign signs hash (32..64 bytes) with uid's private key.
func (s *Store) Sign(uid UID, hash []byte) ([SigSize]byte, error) {
	var sig [SigSize]byte
	if len(hash) < 32 || len(hash) > 64 {
		return sig, ErrBadHashLen
	}
	id := s.find(uid)
	if id == nil {
		return sig, ErrNotFound
	}
	if id.PrivSeed == nil {
		return sig, ErrNoPrivKey
	}
	priv := ed25519.NewKeyFromSeed(id.PrivSeed[:])
	copy(sig[:], ed25519.Sign(priv, hash))
	return sig, nil
}

// Verify checks sig against hash using uid's public key.
func (s *Store) Verify(uid UID, sig []byte, hash []byte) (bool, error) {
	if len(hash) < 32 || len(hash) > 64 {
		return false, ErrBadHashLen
	}
	if len(sig) != SigSize {
		return false, ErrBadSigLen
	}
	id := s.find(uid)
	if id == nil {
		return false, ErrNotFound
	}
	return ed25519.Verify(id.PubKey[:], hash, sig), nil
}

// -------------------------------------------------------------------------
// Persistence (§4.B, §6)
// -------------------------------------------------------------------------

// EncodeInto appends an "identities" array field describing the full store
// (including private keys) into b. Used both for the standalone identity
// blob and, by internal/state, as one field of the combined persisted doc.
func (s *Store) EncodeInto(b *codec.Builder) {
	b.AppendArray("identities", func(ab *codec.ArrayBuilder) {
		for _, id := range s.entries {
			ab.Document(func(sub *codec.Builder) {
				sub.AppendBinary("uid", id.UID[:]).
					AppendString("alias", id.Alias).
					AppendBinary("pubkey", id.PubKey[:])
				if id.PrivSeed != nil {
					sub.AppendBinary("privkey", id.PrivSeed[:])
				}
			})
		}
	})
}

// DecodeFrom replaces the store's contents with the "identities" array
// field of doc. A missing field is treated as an empty store.
func (s *Store) DecodeFrom(doc *codec.Document) error {
	n, err := doc.GetArrayLen("identities")
	if err != nil {
		if errors.Is(err, codec.ErrFieldMissing) {
			s.entries = nil
			return nil
		}
		return err
	}
	entries := make([]*Identity, 0, n)
	for i := range n {
		sub, err := doc.GetDocument(fmt.Sprintf("identities.%d", i))
		if err != nil {
			return fmt.Errorf("identity: decode entry %d: %w", i, err)
		}
		id, err := decodeIdentity(sub)
		if err != nil {
			return fmt.Errorf("identity: decode entry %d: %w", i, err)
		}
		entries = append(entries, id)
	}
	s.entries = entries
	return nil
}

func decodeIdentity(doc *codec.Document) (*Identity, error) {
	uidRaw, err := doc.GetBinary("uid")
	if err != nil || len(uidRaw) != UIDSize {
		return nil, ErrBadKeyLen
	}
	alias, err := doc.GetString("alias")
	if err != nil {
		return nil, err
	}
	pubRaw, err := doc.GetBinary("pubkey")
	if err != nil || len(pubRaw) != UIDSize {
		return nil, ErrBadKeyLen
	}
	id := &Identity{Alias: alias}
	copy(id.UID[:], uidRaw)
	copy(id.PubKey[:], pubRaw)
	if doc.Has("privkey") {
		privRaw, err := doc.GetBinary("privkey")
		if err != nil || len(privRaw) != SeedSize {
			return nil, ErrBadKeyLen
		}
		var seed [SeedSize]byte
		copy(seed[:], privRaw)
		id.PrivSeed = &seed
	}
	return id, nil
}

// LoadBlob decodes a persisted identity blob: a 4-byte little-endian
// length prefix followed by one self-describing document (§4.B, §6). A
// length mismatch or a blob exceeding MaxBlobSize is treated as corrupt:
// the store is reset to empty and the error is returned so the caller can
// rewrite the file with defaults.
func (s *Store) LoadBlob(buf []byte) error {
	if len(buf) < 4 {
		s.entries = nil
		s.logger.Error("identity blob too short, resetting to empty", "len", len(buf))
		return fmt.Errorf("%w: %d bytes", ErrCorruptBlob, len(buf))
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if n > MaxBlobSize || int(n) != len(buf) {
		s.entries = nil
		s.logger.Error("identity blob length mismatch, resetting to empty",
			"declared", n, "actual", len(buf))
		return fmt.Errorf("%w: declared %d, actual %d", ErrCorruptBlob, n, len(buf))
	}
	doc, err := codec.Parse(buf)
	if err != nil {
		s.entries = nil
		s.logger.Error("identity blob parse failed, resetting to empty", "err", err)
		return fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	if err := s.DecodeFrom(doc); err != nil {
		s.entries = nil
		s.logger.Error("identity blob decode failed, resetting to empty", "err", err)
		return fmt.Errorf("%w: %v", ErrCorruptBlob, err)
	}
	return nil
}

// SaveBlob encodes the store into buf, returning the slice actually used.
func (s *Store) SaveBlob(buf []byte) ([]byte, error) {
	b := codec.NewBuilder(buf)
	s.EncodeInto(b)
	out, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("identity: save blob: %w", err)
	}
	return out, nil
}
