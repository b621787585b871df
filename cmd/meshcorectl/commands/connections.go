package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
	"github.com/meshcore/wishcore/internal/codec"
)

func connectionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Inspect and manage the connection pool (§4.D)",
	}

	cmd.AddCommand(connectionsListCmd())
	cmd.AddCommand(connectionsDisconnectCmd())
	cmd.AddCommand(connectionsCheckCmd())

	return cmd
}

func connectionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List occupied connection pool slots",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "connections.list", nil)
				if err != nil {
					return err
				}
				views, err := decodeConnections(data)
				if err != nil {
					return err
				}
				out, err := formatConnections(views, outputFormat)
				if err != nil {
					return err
				}
				fmt.Print(out)
				return nil
			})
		},
	}
}

func connectionsDisconnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect <cid>",
		Short: "Close a connection pool slot by index",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("parse cid %q: %w", args[0], err)
			}
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "connections.disconnect", func(b *codec.Builder) {
					b.AppendInt("cid", int64(cid))
				})
				if err != nil {
					return err
				}
				ok, _ := data.GetBool("data")
				fmt.Printf("disconnected=%t\n", ok)
				return nil
			})
		},
	}
}

func connectionsCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Trigger a reconnect sweep against known contacts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "connections.checkConnections", nil)
				if err != nil {
					return err
				}
				ok, _ := data.GetBool("data")
				fmt.Printf("triggered=%t\n", ok)
				return nil
			})
		},
	}
}

func decodeConnections(data *codec.Document) ([]connectionView, error) {
	n, err := data.GetArrayLen("data")
	if err != nil {
		return nil, fmt.Errorf("decode connections list: %w", err)
	}
	views := make([]connectionView, 0, n)
	for i := range n {
		row, err := data.GetDocument(fmt.Sprintf("data.%d", i))
		if err != nil {
			return nil, fmt.Errorf("decode connections list element %d: %w", i, err)
		}
		cid, err := row.GetInt("cid")
		if err != nil {
			return nil, fmt.Errorf("decode connection cid: %w", err)
		}
		luid, _ := row.GetBinary("luid")
		ruid, _ := row.GetBinary("ruid")
		rhid, _ := row.GetBinary("rhid")
		outgoing, _ := row.GetBool("outgoing")
		views = append(views, connectionView{
			CID:      int(cid),
			LUID:     hexEncode(luid),
			RUID:     hexEncode(ruid),
			RHID:     hexEncode(rhid),
			Outgoing: outgoing,
		})
	}
	return views, nil
}
