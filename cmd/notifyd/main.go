// Command notifyd consumes change messages from a broker, stores one
// notification per message and pushes it to subscribed websocket clients.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "notifyd",
		Short: "Real-time notification fan-out service",
		Long: `notifyd turns broker change messages into stored notifications and pushes
them to websocket clients subscribed to the changed entity.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configPath != "" {
				return os.Setenv("CONFIG_PATH", configPath)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides CONFIG_PATH)")

	rootCmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newPublishCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)
	return rootCmd
}
