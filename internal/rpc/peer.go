package rpc

import (
	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/identity"
)

// Peer is the addressing envelope carried by every app-core frame and by
// services.send (§3 "Peer record"): it is an envelope, not an owning
// entity — nothing in this package keeps a Peer alive past one dispatch.
type Peer struct {
	LUID     identity.UID
	RUID     identity.UID
	RHID     [32]byte
	RSID     [32]byte
	Protocol string
}

// DecodePeer reads a peer tuple from doc's sub-document at path.
func DecodePeer(doc *codec.Document, path string) (Peer, error) {
	var p Peer
	luid, err := doc.GetBinary(path + ".luid")
	if err != nil {
		return p, err
	}
	ruid, err := doc.GetBinary(path + ".ruid")
	if err != nil {
		return p, err
	}
	rhid, err := doc.GetBinary(path + ".rhid")
	if err != nil {
		return p, err
	}
	rsid, err := doc.GetBinary(path + ".rsid")
	if err != nil {
		return p, err
	}
	proto, _ := doc.GetString(path + ".protocol")
	if len(luid) != identity.UIDSize || len(ruid) != identity.UIDSize ||
		len(rhid) != 32 || len(rsid) != 32 {
		return p, ErrBadPeerShape
	}
	copy(p.LUID[:], luid)
	copy(p.RUID[:], ruid)
	copy(p.RHID[:], rhid)
	copy(p.RSID[:], rsid)
	p.Protocol = proto
	return p, nil
}

// EncodeInto appends this peer as a sub-document field named key of b.
func (p Peer) EncodeInto(key string, b *codec.Builder) {
	b.AppendDocument(key, func(sub *codec.Builder) {
		sub.AppendBinary("luid", p.LUID[:]).
			AppendBinary("ruid", p.RUID[:]).
			AppendBinary("rhid", p.RHID[:]).
			AppendBinary("rsid", p.RSID[:]).
			AppendString("protocol", p.Protocol)
	})
}

// Swapped returns the peer as seen from the other side: luid/ruid swap and
// rsid becomes the caller-supplied local service id (§4.G "services.send
// routing", local delivery case).
func (p Peer) Swapped(newRSID [32]byte) Peer {
	return Peer{
		LUID:     p.RUID,
		RUID:     p.LUID,
		RHID:     p.RHID,
		RSID:     newRSID,
		Protocol: p.Protocol,
	}
}
