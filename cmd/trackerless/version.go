package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "trackerless version %s\n", version)
			fmt.Fprintf(out, "\nFeatures:\n")
			fmt.Fprintf(out, "  • Full and derived presence registration\n")
			fmt.Fprintf(out, "  • Bounded announce, scrape and withdrawal scheduling\n")
			fmt.Fprintf(out, "  • Presence scans for dormant downloads\n")
			fmt.Fprintf(out, "  • Mainline DHT get_peers lookups\n")
			fmt.Fprintf(out, "  • Persistent identity\n")
			fmt.Fprintf(out, "  • Prometheus metrics\n")
		},
	}
}
