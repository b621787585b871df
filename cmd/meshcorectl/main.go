// meshcorectl is the CLI client for a meshcored node: it speaks the
// app↔core RPC fabric (§4.F, §4.G) over TCP to manage identities, the
// connection pool, and the discovery table on a running node.
package main

import "github.com/meshcore/wishcore/cmd/meshcorectl/commands"

func main() {
	commands.Execute()
}
