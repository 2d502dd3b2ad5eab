// Package cmd provides the CLI commands for ecpd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codedeck/ecpd/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "ecpd",
	Short: "ecpd - Editor Command Protocol daemon",
	Long: `ecpd serves the Editor Command Protocol: JSON-RPC 2.0 over a
localhost WebSocket, multiplexing editor clients across service
adapters behind a token handshake and a validation middleware chain.

Quick start:
  1. ecpd serve --workspace /path/to/project
  2. Connect a client to ws://127.0.0.1:7070/ws and authenticate.

Configuration:
  Config is loaded from ecpd.yaml in the current directory or
  $HOME/.ecpd/. Environment variables override config values with the
  ECPD_ prefix, e.g. ECPD_SERVER_PORT=8090.

Commands:
  serve       Start the server
  stop        Stop the running server
  hash-token  Hash a token for the auth.token_hash config field
  version     Print version information`,
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./ecpd.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
