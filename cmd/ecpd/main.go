// ecpd is the Editor Command Protocol daemon: a localhost WebSocket
// server multiplexing JSON-RPC 2.0 editor traffic across service
// adapters.
package main

import "github.com/codedeck/ecpd/cmd/ecpd/cmd"

func main() {
	cmd.Execute()
}
