package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
	"github.com/meshcore/wishcore/internal/codec"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage local identities and contacts (§4.B)",
	}

	cmd.AddCommand(identityListCmd())
	cmd.AddCommand(identityGetCmd())
	cmd.AddCommand(identityCreateCmd())
	cmd.AddCommand(identityImportCmd())
	cmd.AddCommand(identityExportCmd())
	cmd.AddCommand(identityRemoveCmd())
	cmd.AddCommand(identitySignCmd())
	cmd.AddCommand(identityVerifyCmd())

	return cmd
}

func identityListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known identities and contacts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.list", nil)
				if err != nil {
					return err
				}
				views, err := decodeIdentitySummaries(data)
				if err != nil {
					return err
				}
				out, err := formatIdentities(views, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func identityGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <uid-hex>",
		Short: "Show one identity by uid",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			uid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.get", func(b *codec.Builder) {
					b.AppendBinary("uid", uid[:])
				})
				if err != nil {
					return err
				}
				inner, err := data.GetDocument("data")
				if err != nil {
					return fmt.Errorf("decode identity.get reply: %w", err)
				}
				view, err := decodeIdentitySummaryDoc(inner)
				if err != nil {
					return err
				}
				if pub, perr := inner.GetBinary("pubkey"); perr == nil {
					view.PubKey = hexEncode(pub)
				}
				out, err := formatIdentities([]identityView{view}, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func identityCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <alias>",
		Short: "Generate a new local identity",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			alias := args[0]
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.create", func(b *codec.Builder) {
					b.AppendString("alias", alias)
				})
				if err != nil {
					return err
				}
				inner, err := data.GetDocument("data")
				if err != nil {
					return fmt.Errorf("decode identity.create reply: %w", err)
				}
				view, err := decodeIdentitySummaryDoc(inner)
				if err != nil {
					return err
				}
				out, err := formatIdentities([]identityView{view}, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func identityImportCmd() *cobra.Command {
	var befriend string

	cmd := &cobra.Command{
		Use:   "import <exported-doc-file>",
		Short: "Import a contact from a file produced by 'identity export'",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			blob, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read exported doc: %w", err)
			}
			doc, err := codec.Parse(blob)
			if err != nil {
				return fmt.Errorf("parse exported doc: %w", err)
			}
			alias, err := doc.GetString("alias")
			if err != nil {
				return fmt.Errorf("exported doc missing alias: %w", err)
			}
			pubkey, err := doc.GetBinary("pubkey")
			if err != nil {
				return fmt.Errorf("exported doc missing pubkey: %w", err)
			}

			var befriendUID [32]byte
			if befriend != "" {
				befriendUID, err = parseHexUID(befriend)
				if err != nil {
					return err
				}
			}

			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.import", func(b *codec.Builder) {
					b.AppendDocument("doc", func(sub *codec.Builder) {
						sub.AppendString("alias", alias).AppendBinary("pubkey", pubkey)
					})
					b.AppendBinary("befriend_uid", befriendUID[:])
				})
				if err != nil {
					return err
				}
				gotAlias, _ := data.GetString("data.alias")
				gotUID, _ := data.GetBinary("data.uid")
				fmt.Printf("imported %q uid=%s\n", gotAlias, hexEncode(gotUID))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&befriend, "befriend", "", "local identity uid on whose behalf this import happened")
	return cmd
}

func identityExportCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "export <uid-hex>",
		Short: "Export an identity's public document (no private key)",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			uid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.export", func(b *codec.Builder) {
					b.AppendBinary("uid", uid[:])
					b.AppendString("format", "binary")
				})
				if err != nil {
					return err
				}
				blob, err := data.GetBinary("data")
				if err != nil {
					return fmt.Errorf("decode exported doc: %w", err)
				}
				if outPath == "" {
					fmt.Printf("%s\n", hexEncode(blob))
					return nil
				}
				if err := os.WriteFile(outPath, blob, 0o600); err != nil {
					return fmt.Errorf("write exported doc: %w", err)
				}
				fmt.Printf("wrote %s (%d bytes)\n", outPath, len(blob))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", "write the exported document to this file instead of stdout")
	return cmd
}

func identityRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <uid-hex>",
		Short: "Remove an identity or contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			uid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.remove", func(b *codec.Builder) {
					b.AppendBinary("uid", uid[:])
				})
				if err != nil {
					return err
				}
				ok, _ := data.GetBool("data")
				fmt.Printf("removed=%t\n", ok)
				return nil
			})
		},
	}
}

func identitySignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sign <uid-hex> <hash-hex>",
		Short: "Sign a 32-64 byte hash with a local identity",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			uid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			hash, err := parseHexBytes(args[1])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.sign", func(b *codec.Builder) {
					b.AppendBinary("uid", uid[:]).AppendBinary("hash", hash)
				})
				if err != nil {
					return err
				}
				sig, err := data.GetBinary("data")
				if err != nil {
					return fmt.Errorf("decode signature: %w", err)
				}
				fmt.Println(hexEncode(sig))
				return nil
			})
		},
	}
}

func identityVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <uid-hex> <sig-hex> <hash-hex>",
		Short: "Verify a signature against a hash",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			uid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			sig, err := parseHexBytes(args[1])
			if err != nil {
				return err
			}
			hash, err := parseHexBytes(args[2])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "identity.verify", func(b *codec.Builder) {
					b.AppendBinary("uid", uid[:]).AppendBinary("sig", sig).AppendBinary("hash", hash)
				})
				if err != nil {
					return err
				}
				ok, _ := data.GetBool("data")
				fmt.Printf("valid=%t\n", ok)
				return nil
			})
		},
	}
}

func decodeIdentitySummaryDoc(data *codec.Document) (identityView, error) {
	var v identityView
	uid, err := data.GetBinary("uid")
	if err != nil {
		return v, fmt.Errorf("decode identity uid: %w", err)
	}
	alias, err := data.GetString("alias")
	if err != nil {
		return v, fmt.Errorf("decode identity alias: %w", err)
	}
	priv, _ := data.GetBool("privkey")
	v.UID = hexEncode(uid)
	v.Alias = alias
	v.PrivKey = priv
	return v, nil
}

func decodeIdentitySummaries(data *codec.Document) ([]identityView, error) {
	n, err := data.GetArrayLen("data")
	if err != nil {
		return nil, fmt.Errorf("decode identity list: %w", err)
	}
	views := make([]identityView, 0, n)
	for i := range n {
		elemDoc, err := data.GetDocument(fmt.Sprintf("data.%d", i))
		if err != nil {
			return nil, fmt.Errorf("decode identity list element %d: %w", i, err)
		}
		v, err := decodeIdentitySummaryDoc(elemDoc)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}
