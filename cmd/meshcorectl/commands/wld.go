package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
	"github.com/meshcore/wishcore/internal/codec"
)

func wldCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wld",
		Short: "Inspect and drive the discovery table (§4.C)",
	}

	cmd.AddCommand(wldListCmd())
	cmd.AddCommand(wldClearCmd())
	cmd.AddCommand(wldFriendRequestCmd())
	cmd.AddCommand(wldDirectoryFindCmd())

	return cmd
}

func wldDirectoryFindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "directory-find <alias>",
		Short: "Look up a contact in the directory service",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			alias := args[0]
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "wld.directoryFind", func(b *codec.Builder) {
					b.AppendString("alias", alias)
				})
				if err != nil {
					return err
				}
				views, err := decodeDiscoveryEntries(data)
				if err != nil {
					return err
				}
				out, err := formatDiscoveryEntries(views, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func wldListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List discovered contacts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "wld.list", nil)
				if err != nil {
					return err
				}
				views, err := decodeDiscoveryEntries(data)
				if err != nil {
					return err
				}
				out, err := formatDiscoveryEntries(views, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func wldClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Clear the discovery table",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "wld.clear", nil)
				if err != nil {
					return err
				}
				ok, _ := data.GetBool("data")
				fmt.Printf("cleared=%t\n", ok)
				return nil
			})
		},
	}
}

func wldFriendRequestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "friend-request <luid-hex> <ruid-hex> <rhid-hex>",
		Short: "Open a friend request against a discovered contact",
		Args:  cobra.ExactArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			luid, err := parseHexUID(args[0])
			if err != nil {
				return err
			}
			ruid, err := parseHexUID(args[1])
			if err != nil {
				return err
			}
			rhid, err := parseHexUID(args[2])
			if err != nil {
				return err
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				kind, envelope, err := conn.CallFirst(ctx, "wld.friendRequest", func(b *codec.Builder) {
					b.AppendBinary("luid", luid[:]).
						AppendBinary("ruid", ruid[:]).
						AppendBinary("rhid", rhid[:])
				})
				if err != nil {
					return err
				}
				if kind == "err" {
					code, _ := envelope.GetInt("data.code")
					msg, _ := envelope.GetString("data.msg")
					return &appclient.ErrReply{Code: int(code), Msg: msg}
				}
				status, _ := envelope.GetString("data")
				fmt.Printf("status=%s\n", status)
				return nil
			})
		},
	}
}

func decodeDiscoveryEntries(data *codec.Document) ([]discoveryView, error) {
	n, err := data.GetArrayLen("data")
	if err != nil {
		return nil, fmt.Errorf("decode discovery list: %w", err)
	}
	views := make([]discoveryView, 0, n)
	for i := range n {
		row, err := data.GetDocument(fmt.Sprintf("data.%d", i))
		if err != nil {
			return nil, fmt.Errorf("decode discovery list element %d: %w", i, err)
		}
		alias, err := row.GetString("alias")
		if err != nil {
			return nil, fmt.Errorf("decode discovery alias: %w", err)
		}
		ruid, _ := row.GetBinary("ruid")
		rhid, _ := row.GetBinary("rhid")
		pubkey, _ := row.GetBinary("pubkey")
		views = append(views, discoveryView{
			Alias:  alias,
			RUID:   hexEncode(ruid),
			RHID:   hexEncode(rhid),
			PubKey: hexEncode(pubkey),
		})
	}
	return views, nil
}
