package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/config"
	"github.com/debswarm/trackerless/internal/connectivity"
	"github.com/debswarm/trackerless/internal/engine"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/p2p"
	"github.com/debswarm/trackerless/internal/state"
)

// bootstrapWait bounds how long the first tick waits for the DHT to join.
const bootstrapWait = 30 * time.Second

var (
	p2pPort       int
	metricsListen string
	torrentsFile  string
	dhtMode       string
)

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start the trackerless daemon",
		Long: `Start the trackerless daemon, which joins the libp2p DHT and keeps
the downloads listed in the torrents file discoverable.

Send SIGHUP to reload the torrents file. Metrics and a JSON status
snapshot are served on the metrics listener.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if p2pPort < 0 || p2pPort > 65535 {
				return fmt.Errorf("invalid p2p-port: must be between 0 and 65535")
			}
			switch dhtMode {
			case "", "auto", "awake", "sleeping":
			default:
				return fmt.Errorf("invalid dht-mode %q: must be auto, awake or sleeping", dhtMode)
			}
			return nil
		},
		RunE: runDaemon,
	}

	cmd.Flags().IntVar(&p2pPort, "p2p-port", -1, "libp2p listen port (default from config)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "metrics/status listen address, \"off\" to disable (default from config)")
	cmd.Flags().StringVar(&torrentsFile, "torrents", "", "torrents file (default from config)")
	cmd.Flags().StringVar(&dhtMode, "dht-mode", "auto", "DHT sleep detection: auto, awake or sleeping")

	return cmd
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if p2pPort >= 0 {
		cfg.Network.ListenPort = p2pPort
	}
	if metricsListen != "" {
		cfg.Metrics.Listen = metricsListen
	}
	if metricsListen == "off" {
		cfg.Metrics.Listen = ""
	}
	if torrentsFile != "" {
		cfg.Torrents.File = torrentsFile
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := setupLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting trackerless daemon",
		zap.Int("p2pPort", cfg.Network.ListenPort),
		zap.Int("tcpPort", cfg.Network.TCPPort),
		zap.String("metricsListen", cfg.Metrics.Listen),
		zap.String("torrents", cfg.Torrents.File))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	m := metrics.New()

	if err := ensureParent(cfg.State.Path); err != nil {
		return err
	}
	db, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open state database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Warn("Failed to close state database", zap.Error(err))
		}
	}()

	monCfg := connectivity.DefaultConfig()
	monCfg.Mode = dhtMode
	node, err := p2p.New(ctx, &p2p.Config{
		ListenPort:     cfg.Network.ListenPort,
		BootstrapPeers: cfg.Network.BootstrapPeers,
		IdentityPath:   cfg.Network.IdentityPath,
		BlockedPeers:   cfg.Network.BlockedPeers,
		Filter:         engine.Filter(cfg),
		Connectivity:   monCfg,
		Metrics:        m,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create P2P node: %w", err)
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("Failed to close P2P node", zap.Error(err))
		}
	}()

	bootCtx, bootCancel := context.WithTimeout(ctx, bootstrapWait)
	if err := node.WaitForBootstrap(bootCtx); err != nil {
		logger.Warn("DHT bootstrap still running, starting engine anyway", zap.Error(err))
	}
	bootCancel()

	eng, err := engine.New(cfg, node, logger, engine.WithMetrics(m), engine.WithScanStore(db))
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	if err := syncTorrents(eng, cfg, logger); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := eng.Stop(); err != nil {
			logger.Warn("Engine shutdown error", zap.Error(err))
		}
	}()

	errChan := make(chan error, 1)
	var server *http.Server
	if cfg.Metrics.Listen != "" {
		server = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           statusMux(m, node, eng),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errChan <- err
			}
		}()
	}

	logger.Info("trackerless daemon started",
		zap.String("peerID", node.PeerID().String()),
		zap.String("metricsAddr", cfg.Metrics.Listen))

	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info("Received SIGHUP, reloading torrents")
				if err := syncTorrents(eng, cfg, logger); err != nil {
					logger.Error("Torrents reload failed", zap.Error(err))
				}
				continue
			}
			logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		case err := <-errChan:
			logger.Error("Metrics server error", zap.Error(err))
			return err
		}
		break
	}

	logger.Info("Shutting down...")
	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}
	return nil
}

// syncTorrents makes the engine track exactly the downloads in the
// torrents file.
func syncTorrents(eng *engine.Engine, cfg *config.Config, logger *zap.Logger) error {
	dls, err := loadTorrents(cfg.Torrents.File)
	if err != nil {
		return err
	}
	if len(dls) == 0 {
		logger.Warn("No downloads to track", zap.String("torrents", cfg.Torrents.File))
	}
	eng.Sync(dls)
	return nil
}

// daemonStatus is served on /status and read back by the status command.
type daemonStatus struct {
	PeerID           string        `json:"peer_id"`
	Addrs            []string      `json:"addrs"`
	ConnectedPeers   int           `json:"connected_peers"`
	RoutingTableSize int           `json:"routing_table_size"`
	LocalValues      int           `json:"local_values"`
	Engine           engine.Status `json:"engine"`
}

func statusMux(m *metrics.Metrics, node *p2p.Node, eng *engine.Engine) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		st := daemonStatus{
			PeerID:           node.PeerID().String(),
			ConnectedPeers:   node.ConnectedPeers(),
			RoutingTableSize: node.RoutingTableSize(),
			LocalValues:      node.LocalKeys(),
			Engine:           eng.Status(),
		}
		for _, a := range node.Addrs() {
			st.Addrs = append(st.Addrs, a.String())
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
	})
	return mux
}
