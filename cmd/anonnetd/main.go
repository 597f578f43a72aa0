/*
Command anonnetd is the anonnet daemon: it loads a TOML configuration
file, wires up a node package.Node, and runs it until interrupted.

Grounded on katzenpost-katzenpost's cmd/server/main.go (cobra root
command with a --config flag, signal-driven graceful shutdown) and on
original_source's daemon/src/main.rs subcommand set (help, version,
proxy, node), which this CLI mirrors as cobra subcommands instead of a
hand-rolled args[1] switch.
*/
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is the string the version subcommand prints. It is a plain
// constant edited in source; nothing stamps it at build time.
const version = "0.1.0-dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:   "anonnetd",
		Short: "anonnet daemon: hidden-service routing over onion-encrypted circuits",
		Long: `anonnetd runs an anonnet participant: it joins the Kademlia directory,
builds and relays multi-hop onion circuits, and optionally hosts hidden
services or serves a local SOCKS5 proxy, depending on the configured mode.`,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the TOML configuration file")

	// Bare `anonnetd` runs whatever mode the config file names.
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runDaemon(configFile, "")
	}

	root.AddCommand(newRunCommand(&configFile, "node"))
	root.AddCommand(newRunCommand(&configFile, "proxy"))
	root.AddCommand(newKeygenCommand(&configFile))
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the anonnetd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "anonnetd %s\n", version)
			return nil
		},
	}
}
