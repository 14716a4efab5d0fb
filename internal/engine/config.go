package engine

import (
	"net/netip"

	"github.com/debswarm/trackerless/internal/announce"
	"github.com/debswarm/trackerless/internal/config"
	"github.com/debswarm/trackerless/internal/lookup"
	"github.com/debswarm/trackerless/internal/presence"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/security"
	"github.com/debswarm/trackerless/internal/timeouts"
)

// Filter returns the peer address filter configured by cfg.
func Filter(cfg *config.Config) security.Filter {
	return security.Filter{AllowPrivate: cfg.Network.AllowPrivatePeers}
}

// TimeoutsConfig maps the configured DHT deadlines.
func TimeoutsConfig(cfg *config.Config) *timeouts.Config {
	tc := timeouts.DefaultConfig()
	t := cfg.Tracking
	if t.AnnounceTimeout.Duration > 0 {
		tc.Announce = t.AnnounceTimeout.Duration
	}
	if t.AnnounceTimeoutDerived.Duration > 0 {
		tc.AnnounceDerived = t.AnnounceTimeoutDerived.Duration
	}
	if t.ScrapeTimeout.Duration > 0 {
		tc.Scrape = t.ScrapeTimeout.Duration
	}
	if cfg.Presence.ScanTimeout.Duration > 0 {
		tc.PresenceScan = cfg.Presence.ScanTimeout.Duration
	}
	if cfg.Lookup.Timeout.Duration > 0 {
		tc.Lookup = cfg.Lookup.Timeout.Duration
	}
	if cfg.Lookup.RPCTimeout.Duration > 0 {
		tc.LookupRPC = cfg.Lookup.RPCTimeout.Duration
	}
	tc.AdaptiveEnabled = t.AdaptiveTimeouts
	return tc
}

// TrackerConfig maps the registration policy section.
func TrackerConfig(cfg *config.Config) *registration.Config {
	rc := registration.DefaultConfig()
	rc.TrackWhenTrackerOffline = cfg.Tracking.TrackWhenTrackerOffline
	rc.TrackLimitedWhenOnline = cfg.Tracking.TrackLimitedWhenOnline

	d := cfg.Derived
	if d.SwarmThreshold > 0 {
		rc.SwarmThreshold = d.SwarmThreshold
	}
	if d.SampleCacheSize > 0 {
		rc.SampleCacheSize = d.SampleCacheSize
	}
	if d.MaxTargets > 0 {
		rc.MaxDerivedTargets = d.MaxTargets
	}
	rc.Ranking = registration.RankConfig{
		MinContentSize: d.MinContentBytes(),
		LeechersLow:    d.LeechersLow,
		LeechersHigh:   d.LeechersHigh,
		TopRank:        d.TopRank,
		MaxRank:        d.MaxRank,
	}
	return rc
}

// advertised returns the ports and IP override put into presence values.
func advertised(cfg *config.Config) (tcp, udp uint16, ip netip.Addr) {
	n := cfg.Network
	tcp = uint16(n.TCPPort)
	udp = uint16(n.EffectiveUDPPort())
	if n.IPOverride != "" {
		// Validate has already rejected unparsable overrides.
		ip, _ = netip.ParseAddr(n.IPOverride)
	}
	return tcp, udp, ip
}

// SchedulerConfig maps the announce tunables.
func SchedulerConfig(cfg *config.Config) *announce.Config {
	sc := announce.DefaultConfig()
	t := cfg.Tracking
	sc.MaxActiveGets = t.MaxActiveGets
	sc.MaxActivePuts = t.MaxActivePuts
	sc.MaxActiveRemoves = t.MaxActiveRemoves
	sc.WantCount = t.WantCount
	sc.MinInterval = t.MinInterval.Duration
	sc.MaxInterval = t.MaxInterval.Duration
	sc.MaxIntervalDerived = t.MaxIntervalDerived.Duration
	sc.QuerySpacing = t.QuerySpacing.Duration
	sc.HeavyTickEvery = t.HeavyTickEvery
	sc.PutsDisabled = t.PutsDisabled || cfg.Network.TCPPort == 0
	sc.TCPPort, sc.UDPPort, sc.IPOverride = advertised(cfg)
	sc.AltNetwork = cfg.Network.AltNetwork
	sc.Filter = Filter(cfg)
	return sc
}

// ScannerConfig maps the presence scanner section.
func ScannerConfig(cfg *config.Config) *presence.Config {
	pc := presence.DefaultConfig()
	p := cfg.Presence
	pc.Interval = p.Interval.Duration
	pc.IntervalDecentralized = p.IntervalDecentralized.Duration
	pc.ResultCap = p.ResultCap
	pc.MaxActiveScrapes = cfg.Tracking.MaxActiveScrapes
	pc.ScrapeRefreshMin = p.ScrapeRefreshMin.Duration
	pc.ScrapeRefreshSpacing = p.ScrapeRefreshSpacing.Duration
	pc.PutsDisabled = cfg.Tracking.PutsDisabled || cfg.Network.TCPPort == 0
	pc.TCPPort, pc.UDPPort, pc.IPOverride = advertised(cfg)
	pc.Filter = Filter(cfg)
	return pc
}

// LookupConfig maps the alternate-network lookup section.
func LookupConfig(cfg *config.Config) *lookup.Config {
	lc := lookup.DefaultConfig()
	l := cfg.Lookup
	if l.ListenAddr != "" {
		lc.ListenAddr = l.ListenAddr
	}
	lc.Routers = l.Routers
	lc.MaxSeeds = l.MaxSeeds
	lc.Concurrency = l.Concurrency
	lc.FrontierSize = l.FrontierSize
	if l.Linger.Duration > 0 {
		lc.Linger = l.Linger.Duration
	}
	if l.Sweep.Duration > 0 {
		lc.Sweep = l.Sweep.Duration
	}
	if l.StartGrace.Duration > 0 {
		lc.StartGrace = l.StartGrace.Duration
	}
	lc.PacketRate = l.PacketRate
	lc.Filter = Filter(cfg)
	return lc
}
