// trackerless publishes and discovers BitTorrent swarm presence over a
// libp2p DHT, widening peer discovery through the mainline DHT.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Set at build time via -ldflags
	version = "dev"

	cfgFile  string
	logLevel string
	logFile  string
	dataDir  string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trackerless",
		Short: "Trackerless peer discovery for BitTorrent swarms",
		Long: `trackerless keeps BitTorrent swarms discoverable without a tracker.

For every shared download it decides whether to register presence in a
DHT, publishes and refreshes that presence, periodically queries for
peers and swarm statistics, and withdraws registrations that no longer
apply. Dormant downloads are scanned for remaining sources, and lookups
can be widened onto the mainline BitTorrent DHT.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error); default from config")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "log file path (default: stderr)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory for identity, state and contacts")

	rootCmd.AddCommand(daemonCmd())
	rootCmd.AddCommand(lookupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(identityCmd())
	rootCmd.AddCommand(versionCmd())

	return rootCmd
}
