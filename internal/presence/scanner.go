// Package presence scans the DHT for dormant downloads, publishing
// lightweight presence markers where availability is low, and refreshes
// DHT-only scrape data for idle decentralized torrents.
package presence

import (
	"errors"
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/ratelimit"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/security"
	"github.com/debswarm/trackerless/internal/state"
	"github.com/debswarm/trackerless/internal/timeouts"
	"github.com/debswarm/trackerless/internal/torrent"
)

// ScanStore persists scan schedules and stats. state.DB implements it.
type ScanStore interface {
	Scan(h torrent.InfoHash) (state.Scan, error)
	PutScan(s state.Scan) error
	PutRunStats(h torrent.InfoHash, st registration.RunStats) error
}

// Config holds scanner settings.
type Config struct {
	Interval              time.Duration
	IntervalDecentralized time.Duration
	// ResultCap bounds a scan get; fewer values than this counts as low
	// availability.
	ResultCap        int
	MaxActiveScrapes int

	ScrapeRefreshMin     time.Duration
	ScrapeRefreshSpacing time.Duration

	PutsDisabled bool
	TCPPort      uint16
	UDPPort      uint16
	IPOverride   netip.Addr

	Filter   security.Filter
	Timeouts *timeouts.Manager
	Clock    clock.Clock
	Metrics  *metrics.Metrics
	// Rand returns a uniform draw in [0, 1) used for jitter.
	Rand func() float64
}

// DefaultConfig returns the stock settings.
func DefaultConfig() *Config {
	return &Config{
		Interval:              4 * time.Hour,
		IntervalDecentralized: time.Hour,
		ResultCap:             20,
		MaxActiveScrapes:      3,
		ScrapeRefreshMin:      30 * time.Minute,
		ScrapeRefreshSpacing:  30 * time.Second,
		TCPPort:               6881,
	}
}

type scanEntry struct {
	next     time.Time
	retired  bool
	inFlight bool
}

// Scanner runs presence scans and scrape refreshes. Tick must be called
// from a single goroutine.
type Scanner struct {
	store    *registration.Store
	svc      dht.Service
	db       ScanStore
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	timeouts *timeouts.Manager
	logger   *zap.Logger
	rand     func() float64
	slots    *ratelimit.Slots

	mu         sync.Mutex
	scans      map[torrent.InfoHash]*scanEntry
	refreshes  map[torrent.InfoHash]time.Time
	refreshing map[torrent.InfoHash]bool
	// markers holds downloads whose presence marker the node still serves.
	markers map[torrent.InfoHash]bool
}

// New creates a scanner. db may be nil, in which case schedules are kept
// in memory only.
func New(store *registration.Store, svc dht.Service, db ScanStore, cfg *Config, logger *zap.Logger) *Scanner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scanner{
		store:      store,
		svc:        svc,
		db:         db,
		cfg:        *cfg,
		clock:      cfg.Clock,
		metrics:    cfg.Metrics,
		timeouts:   cfg.Timeouts,
		logger:     logger.Named("presence"),
		rand:       cfg.Rand,
		slots:      ratelimit.NewSlots(cfg.MaxActiveScrapes),
		scans:      make(map[torrent.InfoHash]*scanEntry),
		refreshes:  make(map[torrent.InfoHash]time.Time),
		refreshing: make(map[torrent.InfoHash]bool),
		markers:    make(map[torrent.InfoHash]bool),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.timeouts == nil {
		s.timeouts = timeouts.NewManager(nil)
	}
	if s.rand == nil {
		s.rand = rand.Float64
	}
	if s.cfg.ResultCap <= 0 {
		s.cfg.ResultCap = 20
	}
	return s
}

// scanCandidate reports a dormant download eligible for presence scans.
func (s *Scanner) scanCandidate(dl torrent.Download) bool {
	if dl.Private() || !dl.PublicNetwork() || dl.Flags()&torrent.FlagMetadataOnly != 0 {
		return false
	}
	return !s.store.IsRunning(dl.InfoHash())
}

// refreshCandidate reports an idle decentralized download whose scrape
// data can only come from the DHT.
func refreshCandidate(dl torrent.Download) bool {
	if dl.Private() || !dl.PublicNetwork() || !dl.Decentralized() {
		return false
	}
	st := dl.State()
	return st == torrent.StatePaused || st == torrent.StateQueued
}

func (s *Scanner) interval(dl torrent.Download) time.Duration {
	if dl.Decentralized() && s.cfg.IntervalDecentralized > 0 {
		return s.cfg.IntervalDecentralized
	}
	return s.cfg.Interval
}

// jitter spreads d over [0.9d, 1.1d).
func (s *Scanner) jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.9 + 0.2*s.rand()))
}

// Tick issues due scans and scrape refreshes.
func (s *Scanner) Tick() {
	now := s.clock.Now()
	downloads := s.store.Downloads()
	live := make(map[torrent.InfoHash]bool, len(downloads))

	capped := false
	for _, dl := range downloads {
		h := dl.InfoHash()
		live[h] = true
		if capped || !s.scanCandidate(dl) {
			continue
		}
		if !s.scanDue(dl, now) {
			continue
		}
		if !s.slots.TryAcquire() {
			s.deferred()
			capped = true
			continue
		}
		s.setScanning(h)
		s.scan(dl)
	}

	s.refreshTick(downloads, now)
	s.prune(live)
	s.withdrawMarkers(live)
}

// scanDue loads or creates the schedule of dl and reports whether a scan
// is due. A new download's first scan is placed uniformly in
// its interval so startup does not scan everything at once.
func (s *Scanner) scanDue(dl torrent.Download, now time.Time) bool {
	h := dl.InfoHash()
	s.mu.Lock()
	e, ok := s.scans[h]
	s.mu.Unlock()

	if !ok {
		e = &scanEntry{}
		rec, err := s.loadScan(h)
		switch {
		case err == nil:
			e.next = rec.NextScan
			e.retired = rec.Retired
		default:
			e.next = now.Add(time.Duration(float64(s.interval(dl)) * s.rand()))
		}
		s.mu.Lock()
		s.scans[h] = e
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return !e.retired && !e.inFlight && !e.next.After(now)
}

func (s *Scanner) setScanning(h torrent.InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.scans[h]; ok {
		e.inFlight = true
	}
}

func (s *Scanner) loadScan(h torrent.InfoHash) (state.Scan, error) {
	if s.db == nil {
		return state.Scan{}, state.ErrNotFound
	}
	rec, err := s.db.Scan(h)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		s.logger.Warn("Failed to load scan schedule",
			zap.String("hash", sanitize.Hash(h[:])),
			zap.Error(err))
	}
	return rec, err
}

func (s *Scanner) deferred() {
	if s.metrics != nil {
		s.metrics.Deferred.WithLabel("scrape").Inc()
	}
}

func (s *Scanner) scan(dl torrent.Download) {
	h := dl.InfoHash()
	key := dht.Key(h)
	opts := dht.GetOptions{
		Want:    s.cfg.ResultCap,
		Timeout: s.timeouts.Get(timeouts.OpPresenceScan),
		Flags:   dht.FlagStats,
	}
	s.logger.Debug("Scanning dormant download", zap.String("hash", sanitize.Hash(h[:])))

	start := s.clock.Now()
	s.svc.Get(key, opts, func(r dht.GetResult) {
		s.slots.Release()
		s.recordScrape(timeouts.OpPresenceScan, r, s.clock.Since(start))
		s.finishScan(dl, r)
	})
}

func (s *Scanner) recordScrape(op timeouts.Operation, r dht.GetResult, elapsed time.Duration) {
	result := "ok"
	switch {
	case r.Err != nil:
		result = "error"
		s.timeouts.RecordFailure(op)
	case r.TimedOut:
		result = "timeout"
		s.timeouts.RecordTimeout(op)
	default:
		s.timeouts.RecordSuccess(op, elapsed)
	}
	if s.metrics != nil {
		s.metrics.Scrapes.WithLabel(result).Inc()
	}
}

func (s *Scanner) finishScan(dl torrent.Download, r dht.GetResult) {
	h := dl.InfoHash()
	key := dht.Key(h)
	now := s.clock.Now()
	diversified := r.Diversified || s.svc.IsDiversified(key)

	rec := state.Scan{
		Hash:    h,
		Retired: diversified,
		Values:  len(r.Values),
		Scanned: time.Now(),
	}
	if !diversified {
		rec.NextScan = now.Add(s.jitter(s.interval(dl)))
	}

	s.mu.Lock()
	if e, ok := s.scans[h]; ok {
		e.inFlight = false
		e.retired = rec.Retired
		e.next = rec.NextScan
	}
	s.mu.Unlock()

	if s.db != nil {
		if err := s.db.PutScan(rec); err != nil {
			s.logger.Warn("Failed to persist scan schedule",
				zap.String("hash", sanitize.Hash(h[:])),
				zap.Error(err))
		}
	}

	switch {
	case diversified:
		s.logger.Debug("Retiring diversified download from scans",
			zap.String("hash", sanitize.Hash(h[:])))
	case r.Err == nil && len(r.Values) < s.cfg.ResultCap:
		s.putMarker(dl)
	}
}

// putMarker publishes a presence marker unless puts are off or the
// download has since started a full registration of its own.
func (s *Scanner) putMarker(dl torrent.Download) {
	h := dl.InfoHash()
	if s.cfg.PutsDisabled || s.cfg.TCPPort == 0 || s.store.IsRunning(h) {
		return
	}
	seeding := dl.State() == torrent.StateSeeding
	v := dht.PeerValue{
		TCPPort: s.cfg.TCPPort,
		UDPPort: s.cfg.UDPPort,
		IP:      s.cfg.IPOverride,
		Seeding: seeding,
		Marker:  true,
	}
	enc, err := v.Encode()
	if err != nil {
		s.logger.Warn("Failed to build marker value", zap.Error(err))
		return
	}
	flags := dht.FlagDownloading
	if seeding {
		flags = dht.FlagSeeding
	}

	s.mu.Lock()
	s.markers[h] = true
	s.mu.Unlock()

	s.logger.Debug("Publishing presence marker", zap.String("hash", sanitize.Hash(h[:])))
	s.svc.Put(dht.Key(h), enc, flags, func(r dht.PutResult) {
		result := "ok"
		switch {
		case r.Err != nil:
			result = "error"
		case r.TimedOut:
			result = "timeout"
		}
		if s.metrics != nil {
			s.metrics.Puts.WithLabel(result).Inc()
		}
	})
}

// withdrawMarkers stops serving the markers of forgotten downloads. A
// download that went on to register fully owns its key from then on.
func (s *Scanner) withdrawMarkers(live map[torrent.InfoHash]bool) {
	var gone []torrent.InfoHash
	s.mu.Lock()
	for h := range s.markers {
		switch {
		case s.store.IsRunning(h):
			delete(s.markers, h)
		case !live[h]:
			delete(s.markers, h)
			gone = append(gone, h)
		}
	}
	s.mu.Unlock()

	for _, h := range gone {
		key := dht.Key(h)
		if !s.svc.HasLocalKey(key) {
			continue
		}
		s.logger.Debug("Withdrawing presence marker", zap.String("hash", sanitize.Hash(h[:])))
		s.svc.Remove(key, func(r dht.RemoveResult) {
			result := "ok"
			switch {
			case r.Err != nil:
				result = "error"
			case r.TimedOut:
				result = "timeout"
			}
			if s.metrics != nil {
				s.metrics.Removes.WithLabel(result).Inc()
			}
		})
	}
}

// refreshInterval scales with the number of refresh candidates so the
// aggregate rate stays bounded.
func (s *Scanner) refreshInterval(n int) time.Duration {
	return max(s.cfg.ScrapeRefreshMin, time.Duration(n)*s.cfg.ScrapeRefreshSpacing)
}

func (s *Scanner) refreshTick(downloads []torrent.Download, now time.Time) {
	var candidates []torrent.Download
	for _, dl := range downloads {
		if refreshCandidate(dl) {
			candidates = append(candidates, dl)
		}
	}
	interval := s.refreshInterval(len(candidates))

	for _, dl := range candidates {
		h := dl.InfoHash()
		s.mu.Lock()
		next, scheduled := s.refreshes[h]
		if !scheduled {
			next = now.Add(time.Duration(float64(interval) * s.rand()))
			s.refreshes[h] = next
		}
		due := !s.refreshing[h] && !next.After(now)
		s.mu.Unlock()
		if !due {
			continue
		}
		if !s.slots.TryAcquire() {
			s.deferred()
			return
		}
		s.mu.Lock()
		s.refreshing[h] = true
		s.mu.Unlock()
		s.refresh(dl, interval)
	}
}

func (s *Scanner) refresh(dl torrent.Download, interval time.Duration) {
	h := dl.InfoHash()
	opts := dht.GetOptions{
		Want:    s.cfg.ResultCap,
		Timeout: s.timeouts.Get(timeouts.OpScrape),
		Flags:   dht.FlagStats,
	}
	start := s.clock.Now()
	s.svc.Get(dht.Key(h), opts, func(r dht.GetResult) {
		s.slots.Release()
		s.recordScrape(timeouts.OpScrape, r, s.clock.Since(start))

		s.mu.Lock()
		delete(s.refreshing, h)
		s.refreshes[h] = s.clock.Now().Add(s.jitter(interval))
		s.mu.Unlock()

		if r.Err != nil {
			return
		}
		st := s.countValues(r.Values)
		st.Updated = time.Now()
		sr := torrent.ScrapeResult{
			Seeds:        st.Seeds,
			Leechers:     st.Leechers,
			NextScrapeAt: time.Now().Add(interval),
			Source:       torrent.SourceDHT,
		}
		s.store.RecordInjectedScrape(h, sr)
		s.store.SetStats(h, st)
		dl.SetScrapeResult(sr)
		if s.metrics != nil {
			s.metrics.ScrapeResults.Inc()
		}
		if s.db != nil {
			if err := s.db.PutRunStats(h, st); err != nil {
				s.logger.Warn("Failed to persist run stats",
					zap.String("hash", sanitize.Hash(h[:])),
					zap.Error(err))
			}
		}
	})
}

// countValues tallies distinct endpoints by their seeding flag. Markers
// count, since they stand for peers holding the content.
func (s *Scanner) countValues(values []dht.Value) registration.RunStats {
	var st registration.RunStats
	seen := make(map[netip.AddrPort]bool)
	for _, v := range values {
		pv, err := dht.DecodePeerValue(v.Data)
		if err != nil {
			continue
		}
		ep := pv.Endpoint(v.Origin)
		if !s.cfg.Filter.Allow(ep) || seen[ep] {
			continue
		}
		seen[ep] = true
		if pv.Seeding {
			st.Seeds++
		} else {
			st.Leechers++
		}
	}
	st.Peers = len(seen)
	return st
}

func (s *Scanner) prune(live map[torrent.InfoHash]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.scans {
		if !live[h] && !e.inFlight {
			delete(s.scans, h)
		}
	}
	for h := range s.refreshes {
		if !live[h] && !s.refreshing[h] {
			delete(s.refreshes, h)
		}
	}
}

// Stats is a snapshot of scanner activity.
type Stats struct {
	Scheduled  int `json:"scheduled"`
	Retired    int `json:"retired"`
	InFlight   int `json:"in_flight"`
	Refreshing int `json:"refresh_candidates"`
	Markers    int `json:"markers"`
}

// Stats returns a snapshot for status reporting.
func (s *Scanner) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, e := range s.scans {
		switch {
		case e.retired:
			st.Retired++
		default:
			st.Scheduled++
		}
		if e.inFlight {
			st.InFlight++
		}
	}
	st.Refreshing = len(s.refreshes)
	st.Markers = len(s.markers)
	return st
}
