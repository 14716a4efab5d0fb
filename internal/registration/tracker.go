package registration

import (
	"fmt"
	"math/rand"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/torrent"
)

// Config holds tracker policy settings.
type Config struct {
	// TrackWhenTrackerOffline enables rule 6: back up a tracker that is
	// unreachable or absent.
	TrackWhenTrackerOffline bool
	// TrackLimitedWhenOnline allows sampled derived tracking while the
	// tracker works.
	TrackLimitedWhenOnline bool
	// SwarmThreshold is K: swarms up to K are always sampled in, larger
	// ones with probability K/size.
	SwarmThreshold    int
	SampleCacheSize   int
	MaxDerivedTargets int
	Ranking           RankConfig

	Clock   clock.Clock
	Metrics *metrics.Metrics
	// Rand returns a uniform draw in [0, 1). Defaults to math/rand.
	Rand func() float64
}

// DefaultConfig returns the stock policy.
func DefaultConfig() *Config {
	return &Config{
		TrackWhenTrackerOffline: true,
		TrackLimitedWhenOnline:  true,
		SwarmThreshold:          16,
		SampleCacheSize:         1024,
		MaxDerivedTargets:       2,
		Ranking:                 DefaultRankConfig(),
	}
}

// Tracker evaluates downloads and installs decisions into a Store.
type Tracker struct {
	store   *Store
	cfg     Config
	clock   clock.Clock
	metrics *metrics.Metrics
	logger  *zap.Logger
	rand    func() float64
	samples *lru.Cache[torrent.InfoHash, bool]
}

// New creates a tracker over store.
func New(store *Store, cfg *Config, logger *zap.Logger) (*Tracker, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	size := cfg.SampleCacheSize
	if size <= 0 {
		size = 1024
	}
	samples, err := lru.New[torrent.InfoHash, bool](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample cache: %w", err)
	}

	t := &Tracker{
		store:   store,
		cfg:     *cfg,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		logger:  logger.Named("registration"),
		rand:    cfg.Rand,
		samples: samples,
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	if t.rand == nil {
		t.rand = rand.Float64
	}
	if t.cfg.SwarmThreshold <= 0 {
		t.cfg.SwarmThreshold = 16
	}
	return t, nil
}

// Store returns the tracker's store.
func (t *Tracker) Store() *Store { return t.store }

// Evaluate applies the registration policy to dl. The first matching
// rule wins.
func (t *Tracker) Evaluate(dl torrent.Download) Decision {
	switch dl.State() {
	case torrent.StateDownloading, torrent.StateSeeding, torrent.StatePaused:
	case torrent.StateQueued:
		// Keep whatever was in force to avoid thrash while queued.
		if reg, running, ok := t.store.Registration(dl.InfoHash()); ok && running {
			return Decision{Kind: reg.Kind, Reason: "queued, unchanged"}
		}
		return Decision{Kind: KindNone, Reason: "queued"}
	default:
		return Decision{Kind: KindNone, Reason: "not running"}
	}

	if !dl.PublicNetwork() {
		return Decision{Kind: KindNone, Reason: "public network disabled"}
	}
	if dl.Private() {
		return Decision{Kind: KindNone, Reason: "private torrent"}
	}
	if dl.Decentralized() {
		return Decision{Kind: KindFull, Reason: "decentralized torrent"}
	}
	switch dl.Backup() {
	case torrent.BackupDisabled:
		return Decision{Kind: KindNone, Reason: "decentralized backup disabled"}
	case torrent.BackupRequested:
		return Decision{Kind: KindFull, Reason: "decentralized backup requested"}
	}

	if t.cfg.TrackWhenTrackerOffline {
		if reason, offline := trackerOffline(dl); offline {
			return Decision{Kind: KindFull, Reason: reason}
		}
		if t.cfg.TrackLimitedWhenOnline && t.derivedAllowed(dl) && t.sampled(dl) {
			return Decision{Kind: KindDerived, Reason: "sampled while tracker online"}
		}
	}

	if dl.PeerSourceEnabled() {
		return Decision{Kind: KindFull, Reason: "peer source enabled"}
	}
	return Decision{Kind: KindNone, Reason: "tracker sufficient"}
}

// trackerOffline judges the tracker by its last announce, falling back
// to the last scrape. A result produced by the DHT itself says nothing
// about the tracker.
func trackerOffline(dl torrent.Download) (string, bool) {
	if a, ok := dl.LastAnnounce(); ok {
		switch {
		case a.Err != nil:
			return "tracker announce failed", true
		case a.Source == torrent.SourceDHT:
			return "last announce from dht", true
		}
		return "", false
	}
	if s, ok := dl.LastScrape(); ok {
		switch {
		case s.Err != nil:
			return "tracker scrape failed", true
		case s.Source == torrent.SourceDHT:
			return "last scrape from dht", true
		}
		return "", false
	}
	return "no tracker result", true
}

func (t *Tracker) derivedAllowed(dl torrent.Download) bool {
	r, ok := t.store.Rank(dl.InfoHash())
	return !ok || r.Allowed
}

// sampled decides once per download whether it takes part in derived
// tracking; the decision is cached so re-evaluation is stable.
func (t *Tracker) sampled(dl torrent.Download) bool {
	h := dl.InfoHash()
	if yes, ok := t.samples.Get(h); ok {
		return yes
	}

	size := swarmSize(dl)
	k := t.cfg.SwarmThreshold
	yes := size <= k || t.rand() < float64(k)/float64(size)
	t.samples.Add(h, yes)
	return yes
}

func swarmSize(dl torrent.Download) int {
	if s, ok := dl.LastScrape(); ok && s.Err == nil {
		return s.SwarmSize()
	}
	if a, ok := dl.LastAnnounce(); ok {
		return a.Seeds + a.Leechers
	}
	return 0
}

// Add starts tracking dl and evaluates it.
func (t *Tracker) Add(dl torrent.Download) Decision {
	t.store.Track(dl)
	return t.Check(dl)
}

// Remove stops tracking a download. Registered targets are withdrawn by
// the next remove phase.
func (t *Tracker) Remove(h torrent.InfoHash) {
	t.store.Forget(h)
	t.samples.Remove(h)
	t.logger.Debug("Stopped tracking", zap.String("hash", sanitize.Hash(h[:])))
}

// Check re-evaluates dl and installs the decision.
func (t *Tracker) Check(dl torrent.Download) Decision {
	d := t.Evaluate(dl)
	h := dl.InfoHash()

	var targets []Target
	if d.Kind != KindNone {
		targets = TargetsFor(dl, d.Kind, t.cfg.MaxDerivedTargets)
	}
	tr := t.store.Apply(h, d, targets, t.clock.Now())

	if t.metrics != nil {
		t.metrics.Decisions.WithLabel(d.Kind.String()).Inc()
	}
	if tr.Changed() || tr.Started || tr.Stopped {
		t.logger.Info("Registration changed",
			zap.String("hash", sanitize.Hash(h[:])),
			zap.Stringer("from", tr.From),
			zap.Stringer("to", tr.To),
			zap.String("reason", d.Reason))
	}
	return d
}

// CheckAll re-evaluates every tracked download. A panic while evaluating
// one download is logged and the rest still run.
func (t *Tracker) CheckAll() {
	for _, dl := range t.store.Downloads() {
		t.checkSafe(dl)
	}
	t.updateGauges()
}

func (t *Tracker) checkSafe(dl torrent.Download) {
	defer func() {
		if r := recover(); r != nil {
			h := dl.InfoHash()
			t.logger.Error("Evaluation panicked",
				zap.String("hash", sanitize.Hash(h[:])),
				zap.Any("panic", r))
		}
	}()
	t.Check(dl)
}

// Refresh re-ranks derived candidates and then re-evaluates everything,
// so downloads pushed out of the derived slots drop their registration.
func (t *Tracker) Refresh() {
	ranks := RankDownloads(t.store.Downloads(), t.cfg.Ranking)
	t.store.SetRanking(ranks)
	t.logger.Debug("Ranked derived candidates", zap.Int("candidates", len(ranks)))
	t.CheckAll()
}

func (t *Tracker) updateGauges() {
	if t.metrics == nil {
		return
	}
	c := t.store.Counts()
	t.metrics.RegisteredFull.Set(float64(c.Full))
	t.metrics.RegisteredDerived.Set(float64(c.Derived))
}
