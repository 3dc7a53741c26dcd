// Command xiaozhi-gateway runs the MCP multiplexing gateway.
package main

import "github.com/shenjingnan/xiaozhi-gateway/cmd/xiaozhi-gateway/cmd"

func main() {
	cmd.Execute()
}
