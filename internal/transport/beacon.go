package transport

import (
	"fmt"

	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/identity"
)

// BeaconPayload is the advertised tuple carried by one LAN beacon
// datagram (§6 "LAN beacon ... {alias, ruid, rhid, pubkey, transport}").
type BeaconPayload struct {
	Alias     string
	RUID      identity.UID
	RHID      [32]byte
	PubKey    [32]byte
	Transport string
}

// EncodeBeacon builds the self-describing document for a beacon
// broadcast, using buf as scratch space.
func EncodeBeacon(p BeaconPayload, buf []byte) ([]byte, error) {
	b := codec.NewBuilder(buf)
	b.AppendString("alias", p.Alias).
		AppendBinary("ruid", p.RUID[:]).
		AppendBinary("rhid", p.RHID[:]).
		AppendBinary("pubkey", p.PubKey[:]).
		AppendString("transport", p.Transport)
	out, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("transport: encode beacon: %w", err)
	}
	return out, nil
}

// DecodeBeacon parses a received beacon datagram.
func DecodeBeacon(raw []byte) (BeaconPayload, error) {
	var p BeaconPayload
	doc, err := codec.Parse(raw)
	if err != nil {
		return p, fmt.Errorf("transport: decode beacon: %w", err)
	}
	p.Alias, err = doc.GetString("alias")
	if err != nil {
		return p, err
	}
	ruid, err := doc.GetBinary("ruid")
	if err != nil || len(ruid) != identity.UIDSize {
		return p, fmt.Errorf("transport: decode beacon ruid: %w", codec.ErrKindMismatch)
	}
	rhid, err := doc.GetBinary("rhid")
	if err != nil || len(rhid) != 32 {
		return p, fmt.Errorf("transport: decode beacon rhid: %w", codec.ErrKindMismatch)
	}
	pub, err := doc.GetBinary("pubkey")
	if err != nil || len(pub) != 32 {
		return p, fmt.Errorf("transport: decode beacon pubkey: %w", codec.ErrKindMismatch)
	}
	p.Transport, _ = doc.GetString("transport")
	copy(p.RUID[:], ruid)
	copy(p.RHID[:], rhid)
	copy(p.PubKey[:], pub)
	return p, nil
}
