package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/debswarm/trackerless/internal/config"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())

	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration\n")
			fmt.Fprintf(out, "══════════════════════════════════════\n")
			fmt.Fprintf(out, "\n[network]\n")
			fmt.Fprintf(out, "  tcp_port        = %d\n", cfg.Network.TCPPort)
			fmt.Fprintf(out, "  udp_port        = %d\n", cfg.Network.EffectiveUDPPort())
			fmt.Fprintf(out, "  listen_port     = %d\n", cfg.Network.ListenPort)
			fmt.Fprintf(out, "  identity_path   = %s\n", cfg.Network.IdentityPath)
			fmt.Fprintf(out, "\n[tracking]\n")
			fmt.Fprintf(out, "  tick_interval   = %s\n", cfg.Tracking.TickInterval)
			fmt.Fprintf(out, "  puts_disabled   = %v\n", cfg.Tracking.PutsDisabled)
			fmt.Fprintf(out, "  want_count      = %d\n", cfg.Tracking.WantCount)
			fmt.Fprintf(out, "  min_interval    = %s\n", cfg.Tracking.MinInterval)
			fmt.Fprintf(out, "  max_interval    = %s\n", cfg.Tracking.MaxInterval)
			fmt.Fprintf(out, "\n[presence]\n")
			fmt.Fprintf(out, "  enabled         = %v\n", cfg.Presence.Enabled)
			fmt.Fprintf(out, "  interval        = %s\n", cfg.Presence.Interval)
			fmt.Fprintf(out, "\n[lookup]\n")
			fmt.Fprintf(out, "  enabled         = %v\n", cfg.Lookup.Enabled)
			fmt.Fprintf(out, "  routers         = %d\n", len(cfg.Lookup.Routers))
			fmt.Fprintf(out, "  contacts_file   = %s\n", cfg.Lookup.ContactsFile)
			fmt.Fprintf(out, "\n[state]\n")
			fmt.Fprintf(out, "  path            = %s\n", cfg.State.Path)
			fmt.Fprintf(out, "\n[torrents]\n")
			fmt.Fprintf(out, "  file            = %s\n", cfg.Torrents.File)
			fmt.Fprintf(out, "\n[logging]\n")
			fmt.Fprintf(out, "  level           = %s\n", cfg.Logging.Level)

			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(out, "\nConfiguration problems:\n  %v\n", err)
			}
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if dataDir != "" {
				applyDataDir(cfg, dataDir)
			}

			cfgPath := defaultConfigPath()
			if err := cfg.Save(cfgPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created configuration file: %s\n", cfgPath)
			return nil
		},
	}
}
