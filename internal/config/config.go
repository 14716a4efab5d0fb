// Package config handles configuration loading and defaults for trackerless
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for trackerless
type Config struct {
	Network  NetworkConfig  `toml:"network"`
	Tracking TrackingConfig `toml:"tracking"`
	Derived  DerivedConfig  `toml:"derived"`
	Presence PresenceConfig `toml:"presence"`
	Lookup   LookupConfig   `toml:"lookup"`
	State    StateConfig    `toml:"state"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Logging  LoggingConfig  `toml:"logging"`
	Torrents TorrentsConfig `toml:"torrents"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration struct {
	time.Duration
}

// D wraps a time.Duration.
func D(d time.Duration) Duration { return Duration{d} }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

// NetworkConfig holds the endpoints advertised in presence values and the
// libp2p host settings.
type NetworkConfig struct {
	// TCPPort is the peer-wire port advertised in presence values. 0
	// disables puts.
	TCPPort int `toml:"tcp_port"`
	// UDPPort defaults to TCPPort when 0.
	UDPPort int `toml:"udp_port"`
	// IPOverride is advertised instead of the address the DHT observes.
	IPOverride        string   `toml:"ip_override"`
	AltNetwork        bool     `toml:"alt_network"`
	ListenPort        int      `toml:"listen_port"`
	BootstrapPeers    []string `toml:"bootstrap_peers"`
	AllowPrivatePeers bool     `toml:"allow_private_peers"`
	IdentityPath      string   `toml:"identity_path"`
	// BlockedPeers lists libp2p peer IDs never connected to.
	BlockedPeers []string `toml:"blocked_peers"`
}

// TrackingConfig holds registration policy switches and scheduler tunables
type TrackingConfig struct {
	TickInterval   Duration `toml:"tick_interval"`
	HeavyTickEvery int      `toml:"heavy_tick_every"`

	TrackWhenTrackerOffline bool `toml:"track_when_tracker_offline"`
	TrackLimitedWhenOnline  bool `toml:"track_limited_when_online"`
	PutsDisabled            bool `toml:"puts_disabled"`

	MaxActiveGets    int `toml:"max_active_gets"`
	MaxActivePuts    int `toml:"max_active_puts"`
	MaxActiveRemoves int `toml:"max_active_removes"`
	MaxActiveScrapes int `toml:"max_active_scrapes"`
	WantCount        int `toml:"want_count"`

	MinInterval        Duration `toml:"min_interval"`
	MaxInterval        Duration `toml:"max_interval"`
	MaxIntervalDerived Duration `toml:"max_interval_derived"`
	// QuerySpacing times the number of tracked downloads raises the
	// retry floor, bounding the aggregate query rate.
	QuerySpacing Duration `toml:"query_spacing"`

	AnnounceTimeout        Duration `toml:"announce_timeout"`
	AnnounceTimeoutDerived Duration `toml:"announce_timeout_derived"`
	ScrapeTimeout          Duration `toml:"scrape_timeout"`
	AdaptiveTimeouts       bool     `toml:"adaptive_timeouts"`
}

// DerivedConfig holds the derived-target sampling and ranking constants
type DerivedConfig struct {
	SwarmThreshold  int    `toml:"swarm_threshold"`
	SampleCacheSize int    `toml:"sample_cache_size"`
	MaxTargets      int    `toml:"max_targets"`
	MinContentSize  string `toml:"min_content_size"`
	LeechersLow     int    `toml:"leechers_low"`
	LeechersHigh    int    `toml:"leechers_high"`
	TopRank         int    `toml:"top_rank"`
	MaxRank         int    `toml:"max_rank"`
}

// PresenceConfig holds the dormant-content scanner settings
type PresenceConfig struct {
	Enabled               bool     `toml:"enabled"`
	Interval              Duration `toml:"interval"`
	IntervalDecentralized Duration `toml:"interval_decentralized"`
	ResultCap             int      `toml:"result_cap"`
	ScanTimeout           Duration `toml:"scan_timeout"`
	ScrapeRefreshMin      Duration `toml:"scrape_refresh_min"`
	ScrapeRefreshSpacing  Duration `toml:"scrape_refresh_spacing"`
}

// LookupConfig holds the alternate-network get_peers client settings
type LookupConfig struct {
	Enabled      bool     `toml:"enabled"`
	ListenAddr   string   `toml:"listen_addr"`
	Routers      []string `toml:"routers"`
	ContactsFile string   `toml:"contacts_file"`
	MaxSeeds     int      `toml:"max_seeds"`
	Concurrency  int      `toml:"concurrency"`
	FrontierSize int      `toml:"frontier_size"`
	Timeout      Duration `toml:"timeout"`
	RPCTimeout   Duration `toml:"rpc_timeout"`
	Linger       Duration `toml:"linger"`
	Sweep        Duration `toml:"sweep"`
	StartGrace   Duration `toml:"start_grace"`
	PacketRate   int      `toml:"packet_rate"`
}

// StateConfig holds persistence settings
type StateConfig struct {
	Path string `toml:"path"`
}

// MetricsConfig holds the metrics/status HTTP listener
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig holds logging-related settings
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// TorrentsConfig points at the TOML file listing shared downloads
type TorrentsConfig struct {
	File string `toml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "trackerless")
	return &Config{
		Network: NetworkConfig{
			TCPPort:    6881,
			ListenPort: 4002,
			BootstrapPeers: []string{
				"/dnsaddr/bootstrap.libp2p.io/p2p/QmNnooDu7bfjPFoTZYxMNLWUQJyrVwtbZg5gBMjTezGAJN",
				"/dnsaddr/bootstrap.libp2p.io/p2p/QmQCU2EcMqAqQPR2i9bChDtGNJchTbq5TbXJJ16u19uLTa",
				"/dnsaddr/bootstrap.libp2p.io/p2p/QmbLHAnMoJPWSCR5Zhtx6BHJX9KiKNN6tpvbUcqanj75Nb",
				"/dnsaddr/bootstrap.libp2p.io/p2p/QmcZf59bWwK5XFi76CZX8cbJ4BhTzzA3gU1ZjYZcYW3dwt",
			},
			IdentityPath: filepath.Join(dataDir, "identity.key"),
		},
		Tracking: TrackingConfig{
			TickInterval:            D(5 * time.Second),
			HeavyTickEvery:          12,
			TrackWhenTrackerOffline: true,
			TrackLimitedWhenOnline:  true,
			MaxActiveGets:           8,
			MaxActivePuts:           5,
			MaxActiveRemoves:        5,
			MaxActiveScrapes:        3,
			WantCount:               30,
			MinInterval:             D(120 * time.Second),
			MaxInterval:             D(3600 * time.Second),
			MaxIntervalDerived:      D(1800 * time.Second),
			QuerySpacing:            D(2 * time.Second),
			AnnounceTimeout:         D(120 * time.Second),
			AnnounceTimeoutDerived:  D(60 * time.Second),
			ScrapeTimeout:           D(30 * time.Second),
		},
		Derived: DerivedConfig{
			SwarmThreshold:  16,
			SampleCacheSize: 1024,
			MaxTargets:      2,
			MinContentSize:  "10MB",
			LeechersLow:     200,
			LeechersHigh:    2000,
			TopRank:         5,
			MaxRank:         20,
		},
		Presence: PresenceConfig{
			Enabled:               true,
			Interval:              D(4 * time.Hour),
			IntervalDecentralized: D(1 * time.Hour),
			ResultCap:             20,
			ScanTimeout:           D(30 * time.Second),
			ScrapeRefreshMin:      D(30 * time.Minute),
			ScrapeRefreshSpacing:  D(30 * time.Second),
		},
		Lookup: LookupConfig{
			Enabled:    true,
			ListenAddr: ":0",
			Routers: []string{
				"router.bittorrent.com:6881",
				"dht.transmissionbt.com:6881",
				"router.utorrent.com:6881",
			},
			MaxSeeds:     16,
			Concurrency:  8,
			FrontierSize: 10,
			Timeout:      D(90 * time.Second),
			RPCTimeout:   D(15 * time.Second),
			Linger:       D(5 * time.Second),
			Sweep:        D(2500 * time.Millisecond),
			StartGrace:   D(10 * time.Second),
			PacketRate:   100,
		},
		State: StateConfig{
			Path: filepath.Join(dataDir, "state.db"),
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9978",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Torrents: TorrentsConfig{
			File: filepath.Join(dataDir, "torrents.toml"),
		},
	}
}

// Load reads configuration from a file, merging with defaults
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // Use defaults if no config file
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate reports every inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	n := c.Network
	check(n.TCPPort >= 0 && n.TCPPort <= 65535, "network.tcp_port out of range: %d", n.TCPPort)
	check(n.UDPPort >= 0 && n.UDPPort <= 65535, "network.udp_port out of range: %d", n.UDPPort)
	check(n.ListenPort >= 0 && n.ListenPort <= 65535, "network.listen_port out of range: %d", n.ListenPort)
	if n.IPOverride != "" {
		_, err := netip.ParseAddr(n.IPOverride)
		check(err == nil, "network.ip_override is not an IP address: %q", n.IPOverride)
	}

	t := c.Tracking
	check(t.TickInterval.Duration > 0, "tracking.tick_interval must be positive")
	check(t.HeavyTickEvery > 0, "tracking.heavy_tick_every must be positive")
	check(t.MaxActiveGets > 0, "tracking.max_active_gets must be positive")
	check(t.MaxActivePuts > 0, "tracking.max_active_puts must be positive")
	check(t.MaxActiveRemoves > 0, "tracking.max_active_removes must be positive")
	check(t.MaxActiveScrapes > 0, "tracking.max_active_scrapes must be positive")
	check(t.WantCount > 0, "tracking.want_count must be positive")
	check(t.MinInterval.Duration > 0, "tracking.min_interval must be positive")
	check(t.MinInterval.Duration <= t.MaxInterval.Duration, "tracking.min_interval exceeds max_interval")
	check(t.MinInterval.Duration <= t.MaxIntervalDerived.Duration, "tracking.min_interval exceeds max_interval_derived")
	check(t.QuerySpacing.Duration >= 0, "tracking.query_spacing must not be negative")

	d := c.Derived
	check(d.SwarmThreshold > 0, "derived.swarm_threshold must be positive")
	check(d.SampleCacheSize > 0, "derived.sample_cache_size must be positive")
	check(d.MaxTargets > 0, "derived.max_targets must be positive")
	check(d.LeechersLow < d.LeechersHigh, "derived.leechers_low must be below leechers_high")
	check(d.TopRank >= 0 && d.TopRank < d.MaxRank, "derived.top_rank must be below max_rank")
	if _, err := ParseSize(d.MinContentSize); err != nil {
		errs = append(errs, fmt.Errorf("derived.min_content_size: %w", err))
	}

	p := c.Presence
	if p.Enabled {
		check(p.Interval.Duration > 0, "presence.interval must be positive")
		check(p.IntervalDecentralized.Duration > 0, "presence.interval_decentralized must be positive")
		check(p.ResultCap > 0, "presence.result_cap must be positive")
	}

	l := c.Lookup
	if l.Enabled {
		check(l.Concurrency > 0, "lookup.concurrency must be positive")
		check(l.FrontierSize > 0, "lookup.frontier_size must be positive")
		check(l.MaxSeeds > 0, "lookup.max_seeds must be positive")
		check(l.RPCTimeout.Duration > 0, "lookup.rpc_timeout must be positive")
		check(l.Timeout.Duration >= l.RPCTimeout.Duration, "lookup.timeout is shorter than rpc_timeout")
		check(l.Sweep.Duration > 0, "lookup.sweep must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be debug, info, warn or error: %q", c.Logging.Level))
	}

	return errors.Join(errs...)
}

// ParseSize parses a size string like "10MB" into bytes
func ParseSize(s string) (int64, error) {
	var size int64
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		size = size*10 + int64(s[n]-'0')
		n++
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}

	multiplier := int64(1)
	switch s[n:] {
	case "", "B":
	case "KB", "K":
		multiplier = 1024
	case "MB", "M":
		multiplier = 1024 * 1024
	case "GB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("invalid size unit in %q", s)
	}

	return size * multiplier, nil
}

// MinContentBytes returns Derived.MinContentSize in bytes, 10MiB when unset
// or invalid.
func (d DerivedConfig) MinContentBytes() int64 {
	n, err := ParseSize(d.MinContentSize)
	if err != nil {
		return 10 * 1024 * 1024
	}
	return n
}

// EffectiveUDPPort returns UDPPort, falling back to TCPPort.
func (n NetworkConfig) EffectiveUDPPort() int {
	if n.UDPPort == 0 {
		return n.TCPPort
	}
	return n.UDPPort
}
