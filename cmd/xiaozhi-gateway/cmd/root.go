// Package cmd provides the CLI commands for xiaozhi-gateway.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shenjingnan/xiaozhi-gateway/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "xiaozhi-gateway",
	Short: "xiaozhi-gateway - MCP multiplexing gateway",
	Long: `xiaozhi-gateway brokers JSON-RPC 2.0 between a local client
(stdio, HTTP+SSE, streamable-HTTP, or WebSocket) and a fleet of upstream
MCP tool servers, while maintaining outbound WebSocket sessions to one or
more hub endpoints that expect the aggregated toolset to look like a
single MCP server.

Quick start:
  1. Create a config file: xiaozhi-gateway.yaml
  2. Run: xiaozhi-gateway start

Configuration:
  Config is loaded from xiaozhi-gateway.yaml in $XIAOZHI_CONFIG_DIR (when
  set), the current directory, or $HOME/.xiaozhi-gateway/.

  Environment variables override config values with the XIAOZHI_ prefix.
  Example: XIAOZHI_SERVER_HTTP_ADDR=127.0.0.1:9090

Commands:
  start    Start the gateway
  stop     Stop the running gateway
  version  Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./xiaozhi-gateway.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
