package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
	"github.com/meshcore/wishcore/internal/codec"
)

func servicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "services",
		Short: "Send to and list locally advertised services (§4.G)",
	}

	cmd.AddCommand(servicesListCmd())
	cmd.AddCommand(servicesSendCmd())

	return cmd
}

func servicesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services this node advertises",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "services.list", nil)
				if err != nil {
					return err
				}
				n, err := data.GetArrayLen("data")
				if err != nil {
					return fmt.Errorf("decode services.list reply: %w", err)
				}
				names := make([]string, 0, n)
				for i := range n {
					svc, err := data.GetString(fmt.Sprintf("data.%d", i))
					if err != nil {
						return fmt.Errorf("decode services.list element %d: %w", i, err)
					}
					names = append(names, svc)
				}
				fmt.Println(strings.Join(names, "\n"))
				return nil
			})
		},
	}
}

func servicesSendCmd() *cobra.Command {
	var luidHex, ruidHex, rhidHex, rsidHex, protocol, payloadHex string

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Deliver a payload to a peer's service, local or routed",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			luid, err := parseHexUID(luidHex)
			if err != nil {
				return fmt.Errorf("--luid: %w", err)
			}
			ruid, err := parseHexUID(ruidHex)
			if err != nil {
				return fmt.Errorf("--ruid: %w", err)
			}
			rhid, err := parseHexUID(rhidHex)
			if err != nil {
				return fmt.Errorf("--rhid: %w", err)
			}
			var rsid [32]byte
			if rsidHex != "" {
				rsid, err = parseHexUID(rsidHex)
				if err != nil {
					return fmt.Errorf("--rsid: %w", err)
				}
			}
			payload, err := parseHexBytes(payloadHex)
			if err != nil {
				return fmt.Errorf("--payload: %w", err)
			}

			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				_, err := conn.Call(ctx, "services.send", func(b *codec.Builder) {
					b.AppendDocument("peer", func(sub *codec.Builder) {
						sub.AppendBinary("luid", luid[:]).
							AppendBinary("ruid", ruid[:]).
							AppendBinary("rhid", rhid[:]).
							AppendBinary("rsid", rsid[:]).
							AppendString("protocol", protocol)
					})
					b.AppendBinary("payload", payload)
				})
				if err != nil {
					return err
				}
				fmt.Println("sent")
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&luidHex, "luid", "", "local identity uid (hex)")
	cmd.Flags().StringVar(&ruidHex, "ruid", "", "remote identity uid (hex)")
	cmd.Flags().StringVar(&rhidHex, "rhid", "", "remote host id (hex)")
	cmd.Flags().StringVar(&rsidHex, "rsid", "", "remote service id (hex), zero if addressing the host directly")
	cmd.Flags().StringVar(&protocol, "protocol", "", "application protocol tag")
	cmd.Flags().StringVar(&payloadHex, "payload", "", "payload bytes (hex)")
	return cmd
}
