package rpc

import (
	"github.com/meshcore/wishcore/internal/codec"
)

// RegisterCoreHandlers fills s with the core↔core operations (§4.H):
// dispatch is identical to the app↔core server's (§4.F), only the handler
// set differs — payload delivery, service advertisement, and the
// friend-request exchange carried between remote nodes rather than
// between a local app and this node.
func RegisterCoreHandlers(s *Server, host Host) {
	s.Register("send", func(ctx *Ctx, args *codec.Document) error {
		peer, err := DecodePeer(args, "peer")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		payload, err := args.GetBinary("payload")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		if err := host.DeliverLocal(peer.RSID, peer, payload); err != nil {
			return ctx.ErrorFromErr(ErrUnreachable)
		}
		return ctx.Send(nil)
	})

	s.Register("peers", func(ctx *Ctx, args *codec.Document) error {
		services := host.AdvertisedServices()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, svc := range services {
					ab.String(svc)
				}
			})
		})
	})

	// friendRequest/friendRequestCert carry the same exchange the protocol
	// FSM's READ_FRIEND_CERT/REPLY_FRIEND_REQ sub-states drive over the raw
	// connection (§4.E); this RPC pair exists for the AUTHENTICATED-state
	// side channel used once both ends are already talking frames (e.g. a
	// contact introducing a friend to another contact it already trusts).
	s.Register("friendRequest", func(ctx *Ctx, args *codec.Document) error {
		ruid, err := getUID(args, "ruid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		luid, err := getUID(args, "luid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		rhidRaw, err := args.GetBinary("rhid")
		if err != nil || len(rhidRaw) != 32 {
			return ctx.ErrorFromErr(ErrBadPeerShape)
		}
		var rhid [32]byte
		copy(rhid[:], rhidRaw)
		if err := host.OpenFriendRequest(luid, ruid, rhid); err != nil {
			return ctx.ErrorFromErr(err)
		}
		return ctx.Send(nil)
	})
}
