// Package connectivity decides whether the DHT is usable enough to spend
// effort on auxiliary announces.
package connectivity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/metrics"
)

// Mode represents the current DHT state
type Mode int32

const (
	// ModeAwake indicates enough routing table entries to announce and query
	ModeAwake Mode = iota
	// ModeSleeping indicates an empty or nearly empty routing table
	ModeSleeping
)

// String returns a human-readable name for the mode
func (m Mode) String() string {
	switch m {
	case ModeAwake:
		return "awake"
	case ModeSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}

// Config holds connectivity monitor configuration
type Config struct {
	// Mode is the configured mode ("auto", "awake", "sleeping")
	Mode string

	// CheckInterval is how often to sample the routing table in auto mode
	CheckInterval time.Duration

	// WakeThreshold is the routing table size at which the DHT is awake
	WakeThreshold int

	// SleepAfter is the number of consecutive low samples before sleeping
	SleepAfter int

	// OnModeChange is called when the mode changes
	OnModeChange func(old, new Mode)

	// RoutingTableSize returns the current number of routing table entries
	RoutingTableSize func() int

	Clock   clock.Clock
	Metrics *metrics.Metrics
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Mode:          "auto",
		CheckInterval: 30 * time.Second,
		WakeThreshold: 4,
		SleepAfter:    3,
	}
}

// Monitor samples the DHT routing table and tracks awake/sleeping
type Monitor struct {
	mode          atomic.Int32
	lowSamples    atomic.Int32
	configMode    string
	checkInterval time.Duration
	wakeThreshold int
	sleepAfter    int
	onModeChange  func(old, new Mode)
	tableSize     func() int
	clock         clock.Clock
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

// NewMonitor creates a new connectivity monitor
func NewMonitor(cfg *Config, logger *zap.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.WakeThreshold <= 0 {
		cfg.WakeThreshold = 4
	}
	if cfg.SleepAfter <= 0 {
		cfg.SleepAfter = 3
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	m := &Monitor{
		configMode:    cfg.Mode,
		checkInterval: cfg.CheckInterval,
		wakeThreshold: cfg.WakeThreshold,
		sleepAfter:    cfg.SleepAfter,
		onModeChange:  cfg.OnModeChange,
		tableSize:     cfg.RoutingTableSize,
		clock:         clk,
		metrics:       cfg.Metrics,
		logger:        logger.Named("connectivity"),
	}

	// A fresh node has not bootstrapped yet
	switch cfg.Mode {
	case "awake":
		m.mode.Store(int32(ModeAwake))
	default:
		m.mode.Store(int32(ModeSleeping))
	}
	m.publish(m.GetMode())

	return m
}

// GetMode returns the current mode
func (m *Monitor) GetMode() Mode {
	return Mode(m.mode.Load())
}

// IsSleeping reports whether the DHT is currently sleeping
func (m *Monitor) IsSleeping() bool {
	return m.GetMode() == ModeSleeping
}

// Start samples the routing table until ctx is cancelled. It returns
// immediately in a static mode.
func (m *Monitor) Start(ctx context.Context) {
	if m.configMode != "auto" && m.configMode != "" {
		m.logger.Info("Connectivity monitor in static mode",
			zap.String("mode", m.configMode))
		return
	}

	m.logger.Info("Starting connectivity monitor",
		zap.Duration("checkInterval", m.checkInterval),
		zap.Int("wakeThreshold", m.wakeThreshold))

	m.checkAndUpdate()

	ticker := m.clock.Ticker(m.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("Connectivity monitor stopping")
			return
		case <-ticker.C:
			m.checkAndUpdate()
		}
	}
}

// checkAndUpdate samples the routing table and updates the mode
func (m *Monitor) checkAndUpdate() {
	size := 0
	if m.tableSize != nil {
		size = m.tableSize()
	}
	if m.metrics != nil {
		m.metrics.RoutingTableSize.Set(float64(size))
	}
	m.setMode(m.nextMode(size), "sampled")
}

// nextMode wakes as soon as the table reaches the threshold and sleeps
// only after several consecutive samples below it.
func (m *Monitor) nextMode(size int) Mode {
	if size >= m.wakeThreshold {
		m.lowSamples.Store(0)
		return ModeAwake
	}
	if m.lowSamples.Add(1) >= int32(m.sleepAfter) {
		return ModeSleeping
	}
	return m.GetMode()
}

func (m *Monitor) setMode(mode Mode, how string) {
	oldMode := Mode(m.mode.Swap(int32(mode)))
	if oldMode == mode {
		return
	}
	m.publish(mode)
	m.logger.Info("DHT mode changed",
		zap.String("from", oldMode.String()),
		zap.String("to", mode.String()),
		zap.String("how", how))
	if m.onModeChange != nil {
		m.onModeChange(oldMode, mode)
	}
}

func (m *Monitor) publish(mode Mode) {
	if m.metrics != nil {
		m.metrics.DHTSleeping.SetBool(mode == ModeSleeping)
	}
}

// ForceMode forces a specific mode (useful for testing)
func (m *Monitor) ForceMode(mode Mode) {
	m.setMode(mode, "forced")
}
