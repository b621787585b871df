package rpc

import (
	"errors"

	"github.com/meshcore/wishcore/internal/discovery"
	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/pool"
)

// ErrBadPeerShape indicates a peer sub-document had a field of the wrong
// length (§7 "argument-shape").
var ErrBadPeerShape = errors.New("rpc: malformed peer tuple")

// Host is everything the app/core handler tables need from the owning
// node, expressed as a narrow interface so this package never imports the
// node package that assembles it (which in turn imports this package to
// build the servers) — the same "thin handler delegating to a domain
// manager" shape as the reference module's server.go, generalized so the
// manager can be a whole node rather than one subsystem.
type Host interface {
	// Identities is the local identity/contact store (§4.B).
	Identities() *identity.Store

	// Pool is the connection pool (§4.D).
	Pool() *pool.Pool

	// Discovery is the local discovery table (§4.C).
	Discovery() *discovery.Table

	// HostID is this node's stable host id (§3 "Host id").
	HostID() [32]byte

	// Version is the running build's version string (`version`, `host.config`).
	Version() string

	// Advertise broadcasts id on the LAN beacon transport, e.g. after
	// identity.create (§4.G note, grounded on wish_core_app_rpc_func.c).
	Advertise(id *identity.Identity)

	// NotifyLocalServices delivers a core-originated frame to every open
	// local app connection, e.g. after identity.create/identity.remove.
	NotifyLocalServices(build ReplyFunc)

	// DeliverLocal hands payload to the local service bound to targetRSID
	// (the caller-addressed rsid, decoded before any Swapped rewrite),
	// encoding envelopePeer into the frame written to it so the recipient
	// can reply (services.send routing, local-host case, §4.G).
	DeliverLocal(targetRSID [32]byte, envelopePeer Peer, payload []byte) error

	// SendToConnection builds and emits a core "send" RPC frame over the
	// AUTHENTICATED slot matching (luid, ruid, rhid), carrying rsid as the
	// addressed peer's local service id so the remote core's own
	// DeliverLocal can route it on arrival.
	SendToConnection(luid, ruid identity.UID, rhid, rsid [32]byte, payload []byte) error

	// RequestClose asks the event loop to close the connection at slotIndex.
	RequestClose(slotIndex int)

	// RequestCheckConnections asks the event loop to sweep the pool and
	// (re)open connections to known contacts (`connections.checkConnections`).
	RequestCheckConnections()

	// OpenFriendRequest opens an outgoing friend-request connection to
	// (ruid, rhid), using luid as the local identity to offer.
	OpenFriendRequest(luid, ruid identity.UID, rhid [32]byte) error

	// AdvertisedServices lists the opaque service descriptors this node
	// exposes (`services.list` placeholder, §4.G).
	AdvertisedServices() []string
}
