package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/contacts"
	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/engine"
	"github.com/debswarm/trackerless/internal/krpc"
	"github.com/debswarm/trackerless/internal/lookup"
	"github.com/debswarm/trackerless/internal/timeouts"
)

func lookupCmd() *cobra.Command {
	var (
		want   int
		noSeed bool
	)

	cmd := &cobra.Command{
		Use:   "lookup <infohash>",
		Short: "Find peers for an infohash on the mainline DHT",
		Long: `Run one iterative get_peers lookup against the mainline BitTorrent
DHT and print every peer found. Seed contacts come from the configured
contacts file and routers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := dht.ParseKey(args[0])
			if err != nil {
				return fmt.Errorf("invalid infohash: %w", err)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := setupLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to setup logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			book, err := contacts.NewBook(contacts.DefaultCapacity, logger)
			if err != nil {
				return err
			}
			if path := cfg.Lookup.ContactsFile; path != "" {
				if err := book.LoadFile(path); err != nil && !errors.Is(err, os.ErrNotExist) {
					logger.Warn("Failed to load contacts", zap.String("path", path), zap.Error(err))
				}
			}

			lcfg := engine.LookupConfig(cfg)
			lcfg.Contacts = book
			lcfg.Timeouts = timeouts.NewManager(engine.TimeoutsConfig(cfg))
			client := lookup.New(lcfg, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := client.Start(ctx); err != nil {
				return err
			}
			defer client.Close()

			out := cmd.OutOrStdout()
			started := time.Now()
			done := make(chan []netip.AddrPort, 1)
			task := client.Lookup(krpc.NodeID(key), want, noSeed,
				func(ap netip.AddrPort) { fmt.Fprintln(out, ap) },
				func(peers []netip.AddrPort) { done <- peers })

			var peers []netip.AddrPort
			select {
			case peers = <-done:
			case <-ctx.Done():
				client.Close()
				peers = <-done
			}

			st := task.Stats()
			fmt.Fprintf(out, "\n%d peers in %s (%d queries, %d replies, %d timed out)\n",
				len(peers), time.Since(started).Round(time.Millisecond), st.Sent, st.Replies, st.TimedOut)
			return nil
		},
	}

	cmd.Flags().IntVar(&want, "want", 30, "stop once more than this many peers are found")
	cmd.Flags().BoolVar(&noSeed, "no-seed", false, "ask nodes to omit seeds")

	return cmd
}
