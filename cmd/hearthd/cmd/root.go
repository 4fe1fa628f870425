// Package cmd provides the CLI commands for hearthd.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "hearthd",
	Short: "Hearth - standalone HTTP(S) request server",
	Long: `Hearth is a standalone HTTP(S) server core: it accepts connections,
parses request frames, decodes urlencoded and multipart bodies, and
resolves per-client session state before handing requests to the
registered handler chain.

Quick start:
  1. Create a config file: hearthd.yaml
  2. Run: hearthd serve

Configuration:
  Config is loaded from hearthd.yaml in the current directory,
  $HOME/.hearthd/, or /etc/hearthd/.

  Environment variables can override config values with the HEARTH_ prefix.
  Example: HEARTH_SERVER_ADDR=:8443

Commands:
  serve       Start the server
  config      Print the effective configuration
  hash-key    Generate an argon2id hash for the admin API key
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
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./hearthd.yaml)")
}
