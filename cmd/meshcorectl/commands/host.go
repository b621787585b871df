package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
)

func hostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Query the running node itself",
	}

	cmd.AddCommand(hostMethodsCmd())
	cmd.AddCommand(hostRemoteVersionCmd())
	cmd.AddCommand(hostConfigCmd())

	return cmd
}

func hostMethodsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "methods",
		Short: "List the op names the node's RPC server accepts",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "methods", nil)
				if err != nil {
					return err
				}
				n, err := data.GetArrayLen("data")
				if err != nil {
					return fmt.Errorf("decode methods reply: %w", err)
				}
				names := make([]string, 0, n)
				for i := range n {
					m, err := data.GetString(fmt.Sprintf("data.%d", i))
					if err != nil {
						return fmt.Errorf("decode methods element %d: %w", i, err)
					}
					names = append(names, m)
				}
				fmt.Println(strings.Join(names, "\n"))
				return nil
			})
		},
	}
}

func hostRemoteVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the connected node's build version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "version", nil)
				if err != nil {
					return err
				}
				v, err := data.GetString("data")
				if err != nil {
					return fmt.Errorf("decode version reply: %w", err)
				}
				fmt.Println(v)
				return nil
			})
		},
	}
}

func hostConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the connected node's reported configuration",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return withConn(func(ctx context.Context, conn *appclient.Conn) error {
				data, err := conn.Call(ctx, "host.config", nil)
				if err != nil {
					return err
				}
				v, err := data.GetString("data.version")
				if err != nil {
					return fmt.Errorf("decode host.config reply: %w", err)
				}
				fmt.Printf("version: %s\n", v)
				return nil
			})
		},
	}
}
