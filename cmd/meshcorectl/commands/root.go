// Package commands implements the meshcorectl CLI commands.
package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meshcore/wishcore/internal/appclient"
	"github.com/meshcore/wishcore/internal/rpc"
)

var (
	// serverAddr is the daemon's app-mux address (host:port).
	serverAddr string

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// rpcBufSize bounds this client's own request buffer and should not
	// exceed the daemon's core.rpc_buf_size; replies are read into a
	// growing buffer and are not bounded by it.
	rpcBufSize int

	// callTimeout bounds how long a single RPC waits for its terminal reply.
	callTimeout time.Duration
)

// rootCmd is the top-level cobra command for meshcorectl.
var rootCmd = &cobra.Command{
	Use:   "meshcorectl",
	Short: "CLI client for the meshcored node",
	Long:  "meshcorectl speaks the app↔core RPC fabric over TCP to manage identities, connections, and discovery on a meshcored node.",
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "127.0.0.1:7777",
		"meshcored app-mux address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().IntVar(&rpcBufSize, "rpc-buf-size", rpc.DefaultBufSize,
		"RPC request buffer size, must not exceed the daemon's core.rpc_buf_size")
	rootCmd.PersistentFlags().DurationVar(&callTimeout, "timeout", 5*time.Second,
		"timeout for a single RPC call")

	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(connectionsCmd())
	rootCmd.AddCommand(servicesCmd())
	rootCmd.AddCommand(wldCmd())
	rootCmd.AddCommand(hostCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// dial opens a fresh app-mux connection for one command invocation. Each
// call gets its own connection and its own greeting handshake rather than
// sharing one long-lived client-side connection across the process's
// lifetime, mirroring how a stateless RPC client reconnects per call.
func dial(ctx context.Context) (*appclient.Conn, error) {
	conn, err := appclient.Dial(ctx, serverAddr, rpcBufSize)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", serverAddr, err)
	}
	return conn, nil
}

// withConn dials, runs fn, and always closes the connection afterward.
func withConn(fn func(ctx context.Context, conn *appclient.Conn) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	conn, err := dial(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return fn(ctx, conn)
}
