package rpc

import (
	"github.com/meshcore/wishcore/internal/codec"
	"github.com/meshcore/wishcore/internal/discovery"
	"github.com/meshcore/wishcore/internal/identity"
	"github.com/meshcore/wishcore/internal/pool"
)

// RegisterAppHandlers fills s with the closed set of app↔core operations
// (§4.G), bound to host. Each handler either Sends/Emits/Errors exactly
// once or DeleteCtx's — never returns an error for the steady-state path,
// per §7's propagation policy.
func RegisterAppHandlers(s *Server, host Host) {
	s.Register("methods", func(ctx *Ctx, args *codec.Document) error {
		methods := s.Methods()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, m := range methods {
					ab.String(m)
				}
			})
		})
	})

	s.Register("version", func(ctx *Ctx, args *codec.Document) error {
		return ctx.Send(func(b *codec.Builder) {
			b.AppendString("data", host.Version())
		})
	})

	s.Register("host.config", func(ctx *Ctx, args *codec.Document) error {
		return ctx.Send(func(b *codec.Builder) {
			b.AppendDocument("data", func(sub *codec.Builder) {
				sub.AppendString("version", host.Version())
			})
		})
	})

	s.Register("identity.list", func(ctx *Ctx, args *codec.Document) error {
		uids := host.Identities().List()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, uid := range uids {
					id, ok := host.Identities().Load(uid)
					if !ok {
						continue
					}
					ab.Document(func(sub *codec.Builder) {
						encodeIdentitySummary(sub, id)
					})
				}
			})
		})
	})

	s.Register("identity.get", func(ctx *Ctx, args *codec.Document) error {
		uid, err := getUID(args, "uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		id, ok := host.Identities().Load(uid)
		if !ok {
			return ctx.ErrorFromErr(identity.ErrNotFound)
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendDocument("data", func(sub *codec.Builder) {
				encodeIdentitySummary(sub, id)
				sub.AppendBinary("pubkey", id.PubKey[:])
			})
		})
	})

	s.Register("identity.create", func(ctx *Ctx, args *codec.Document) error {
		alias, err := args.GetString("alias")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		id, err := host.Identities().Create(alias)
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		host.Advertise(id)
		host.NotifyLocalServices(func(b *codec.Builder) {
			b.AppendString("type", "identity.created").AppendBinary("uid", id.UID[:])
		})
		return ctx.Send(func(b *codec.Builder) {
			b.AppendDocument("data", func(sub *codec.Builder) {
				encodeIdentitySummary(sub, id)
			})
		})
	})

	s.Register("identity.import", func(ctx *Ctx, args *codec.Document) error {
		doc, err := args.GetDocument("doc")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		befriendUID, err := getUID(args, "befriend_uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		id, err := host.Identities().Import(doc, befriendUID)
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendDocument("data", func(sub *codec.Builder) {
				sub.AppendString("alias", id.Alias).AppendBinary("uid", id.UID[:])
			})
		})
	})

	s.Register("identity.export", func(ctx *Ctx, args *codec.Document) error {
		uid, err := getUID(args, "uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		buf := make([]byte, identity.MaxBlobSize)
		out, err := host.Identities().Export(uid, buf)
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBinary("data", out)
		})
	})

	s.Register("identity.remove", func(ctx *Ctx, args *codec.Document) error {
		uid, err := getUID(args, "uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		ok := host.Identities().Remove(uid)
		if ok {
			host.NotifyLocalServices(func(b *codec.Builder) {
				b.AppendString("type", "identity.removed").AppendBinary("uid", uid[:])
			})
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBool("data", ok)
		})
	})

	s.Register("identity.sign", func(ctx *Ctx, args *codec.Document) error {
		uid, err := getUID(args, "uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		hash, err := args.GetBinary("hash")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		sig, err := host.Identities().Sign(uid, hash)
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBinary("data", sig[:])
		})
	})

	s.Register("identity.verify", func(ctx *Ctx, args *codec.Document) error {
		uid, err := getUID(args, "uid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		sig, err := args.GetBinary("sig")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		hash, err := args.GetBinary("hash")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		ok, err := host.Identities().Verify(uid, sig, hash)
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBool("data", ok)
		})
	})

	s.Register("services.send", handleServicesSend(host))

	s.Register("services.list", func(ctx *Ctx, args *codec.Document) error {
		services := host.AdvertisedServices()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, svc := range services {
					ab.String(svc)
				}
			})
		})
	})

	s.Register("connections.list", func(ctx *Ctx, args *codec.Document) error {
		type row struct {
			cid       int
			luid      identity.UID
			ruid      identity.UID
			rhid      [32]byte
			outgoing  bool
		}
		var rows []row
		host.Pool().Iterate(func(slot *pool.Slot) {
			rows = append(rows, row{
				cid:      slot.Index(),
				luid:     slot.LUID,
				ruid:     slot.RUID,
				rhid:     slot.RHID,
				outgoing: slot.Direction == pool.DirectionOutgoing,
			})
		})
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, r := range rows {
					ab.Document(func(sub *codec.Builder) {
						sub.AppendInt("cid", int64(r.cid)).
							AppendBinary("luid", r.luid[:]).
							AppendBinary("ruid", r.ruid[:]).
							AppendBinary("rhid", r.rhid[:]).
							AppendBool("outgoing", r.outgoing)
					})
				}
			})
		})
	})

	s.Register("connections.disconnect", func(ctx *Ctx, args *codec.Document) error {
		cid, err := args.GetInt("cid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		host.RequestClose(int(cid))
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBool("data", true)
		})
	})

	s.Register("connections.checkConnections", func(ctx *Ctx, args *codec.Document) error {
		host.RequestCheckConnections()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBool("data", true)
		})
	})

	s.Register("wld.list", func(ctx *Ctx, args *codec.Document) error {
		entries := host.Discovery().List()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendArray("data", func(ab *codec.ArrayBuilder) {
				for _, e := range entries {
					ab.Document(func(sub *codec.Builder) {
						encodeDiscoveryEntry(sub, e)
					})
				}
			})
		})
	})

	s.Register("wld.clear", func(ctx *Ctx, args *codec.Document) error {
		host.Discovery().Clear()
		return ctx.Send(func(b *codec.Builder) {
			b.AppendBool("data", true)
		})
	})

	s.Register("wld.friendRequest", func(ctx *Ctx, args *codec.Document) error {
		luid, err := getUID(args, "luid")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		ruid, err := getUID(args, "ruid")
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
		return ctx.Emit(func(b *codec.Builder) {
			b.AppendString("data", "wait")
		})
	})

	// wld.directoryFind: §9 Open Question (1). original_source/src/wish_directory.c's
	// wish_api_directory_find is an abandoned stub — it loops emitting one
	// canned record, then unconditionally replies "Not implemented". This
	// op is registered (so `methods` enumerates it faithfully) but always
	// answers with the same not-implemented error, matching that behavior
	// rather than inventing real semantics for it.
	s.Register("wld.directoryFind", func(ctx *Ctx, args *codec.Document) error {
		return ctx.Error(ErrorInfo{Kind: KindNotFound, Code: 501, Msg: "not implemented"})
	})
}

func handleServicesSend(host Host) HandlerFunc {
	return func(ctx *Ctx, args *codec.Document) error {
		peer, err := DecodePeer(args, "peer")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}
		payload, err := args.GetBinary("payload")
		if err != nil {
			return ctx.ErrorFromErr(err)
		}

		if peer.RHID == host.HostID() {
			newPeer := peer.Swapped(ctx.LocalServiceID())
			if err := host.DeliverLocal(peer.RSID, newPeer, payload); err != nil {
				return ctx.ErrorFromErr(ErrUnreachable)
			}
			return ctx.Send(nil)
		}

		if err := host.SendToConnection(peer.LUID, peer.RUID, peer.RHID, peer.RSID, payload); err != nil {
			return ctx.ErrorFromErr(ErrUnreachable)
		}
		return ctx.Send(nil)
	}
}

func getUID(doc *codec.Document, path string) (identity.UID, error) {
	var uid identity.UID
	raw, err := doc.GetBinary(path)
	if err != nil {
		return uid, err
	}
	if len(raw) != identity.UIDSize {
		return uid, ErrBadPeerShape
	}
	copy(uid[:], raw)
	return uid, nil
}

func encodeIdentitySummary(b *codec.Builder, id *identity.Identity) {
	b.AppendBinary("uid", id.UID[:]).
		AppendString("alias", id.Alias).
		AppendBool("privkey", id.IsLocal())
}

func encodeDiscoveryEntry(b *codec.Builder, e discovery.Entry) {
	b.AppendString("alias", e.Alias).
		AppendBinary("ruid", e.RUID[:]).
		AppendBinary("rhid", e.RHID[:]).
		AppendBinary("pubkey", e.PubKey[:])
}
