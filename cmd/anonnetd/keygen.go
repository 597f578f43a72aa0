package main

import (
	"fmt"

	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/node"
	"github.com/spf13/cobra"
)

// newKeygenCommand mints a hidden-service keypair and prints its .anon
// address, supplementing the daemon subcommands with the offline
// workflow original_source ships as examples/generate_anon_address.rs.
func newKeygenCommand(configFile *string) *cobra.Command {
	var label string
	var dataDir string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "generate a hidden-service keypair and print its .anon address",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := dataDir
			if dir == "" {
				cfg, err := config.Load(*configFile)
				if err != nil {
					return fmt.Errorf("anonnetd: loading config: %w", err)
				}
				dir = cfg.DataDir
			}
			if label == "" {
				return fmt.Errorf("anonnetd: keygen requires --label")
			}

			addr, err := node.GenerateServiceKey(dir, label)
			if err != nil {
				return fmt.Errorf("anonnetd: generating service key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", addr.String())
			return nil
		},
	}

	cmd.Flags().StringVar(&label, "label", "", "persistence label for this service key (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "override the data directory (defaults to the config file's data_dir)")

	return cmd
}
