package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/debswarm/trackerless/internal/httpclient"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Long:  `Query the running daemon's status endpoint and summarize it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Metrics.Listen == "" {
				return fmt.Errorf("status endpoint disabled: metrics.listen is empty")
			}

			var st daemonStatus
			url := "http://" + cfg.Metrics.Listen + "/status"
			if err := httpclient.GetJSON(cmd.Context(), httpclient.New(nil), url, &st); err != nil {
				return fmt.Errorf("daemon not reachable: %w", err)
			}

			out := cmd.OutOrStdout()
			e := st.Engine
			a := e.Announce
			fmt.Fprintf(out, "trackerless Status\n")
			fmt.Fprintf(out, "══════════════════════════════════════\n")
			fmt.Fprintf(out, "Peer ID:        %s\n", st.PeerID)
			fmt.Fprintf(out, "Uptime:         %s\n", e.Uptime.Round(time.Second))
			fmt.Fprintf(out, "Peers:          %d connected, %d in routing table\n", st.ConnectedPeers, st.RoutingTableSize)
			fmt.Fprintf(out, "DHT:            %s\n", sleepLabel(e.Sleeping))
			fmt.Fprintf(out, "Values held:    %d\n", st.LocalValues)
			fmt.Fprintf(out, "\nRegistrations\n")
			fmt.Fprintf(out, "  tracked       %d\n", a.Registrations.Tracked)
			fmt.Fprintf(out, "  running       %d (%d full, %d derived)\n", a.Registrations.Running, a.Registrations.Full, a.Registrations.Derived)
			fmt.Fprintf(out, "  targets       %d registered\n", a.Registrations.Registered)
			fmt.Fprintf(out, "  active ops    %d gets, %d puts, %d removes\n", a.ActiveGets, a.ActivePuts, a.ActiveRemoves)
			if p := e.Presence; p != nil {
				fmt.Fprintf(out, "\nPresence scans: %d scheduled, %d retired, %d in flight\n", p.Scheduled, p.Retired, p.InFlight)
			}
			if l := e.Lookup; l != nil {
				fmt.Fprintf(out, "Mainline DHT:   %d lookups, %d pending RPCs, %d contacts, %d routers\n", l.Lookups, l.PendingRPCs, e.Contacts, l.Routers)
			}
			if len(a.Downloads) > 0 {
				fmt.Fprintf(out, "\n%-16s %-8s %8s %8s %8s  %s\n", "HASH", "KIND", "SEEDS", "LEECHERS", "NEXT", "NAME")
				for _, d := range a.Downloads {
					hash := d.Hash
					if len(hash) > 16 {
						hash = hash[:16]
					}
					fmt.Fprintf(out, "%-16s %-8s %8d %8d %8s  %s\n", hash, d.Kind, d.Seeds, d.Leechers, d.NextQuery.Round(time.Second), d.Name)
				}
			}
			return nil
		},
	}
}

func sleepLabel(sleeping bool) string {
	if sleeping {
		return "sleeping"
	}
	return "awake"
}
