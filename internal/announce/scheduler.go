// Package announce drives the periodic put, remove and get cycles that
// publish and refresh DHT presence for registered downloads.
package announce

import (
	"bytes"
	"net/netip"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/ratelimit"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/security"
	"github.com/debswarm/trackerless/internal/timeouts"
	"github.com/debswarm/trackerless/internal/torrent"
)

// PeerFinder widens a get onto a second DHT network. done is called
// exactly once with every peer found.
type PeerFinder interface {
	FindPeers(key dht.Key, want int, noSeed bool, done func([]netip.AddrPort))
}

// Config holds scheduler settings.
type Config struct {
	MaxActiveGets    int
	MaxActivePuts    int
	MaxActiveRemoves int
	WantCount        int

	MinInterval        time.Duration
	MaxInterval        time.Duration
	MaxIntervalDerived time.Duration
	QuerySpacing       time.Duration

	// HeavyTickEvery is the period, in ticks, of the re-rank pass.
	HeavyTickEvery int

	PutsDisabled bool
	TCPPort      uint16
	UDPPort      uint16
	IPOverride   netip.Addr
	AltNetwork   bool

	Filter   security.Filter
	Timeouts *timeouts.Manager
	Finder   PeerFinder
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() *Config {
	return &Config{
		MaxActiveGets:      8,
		MaxActivePuts:      5,
		MaxActiveRemoves:   5,
		WantCount:          30,
		MinInterval:        120 * time.Second,
		MaxInterval:        3600 * time.Second,
		MaxIntervalDerived: 1800 * time.Second,
		QuerySpacing:       2 * time.Second,
		HeavyTickEvery:     12,
		TCPPort:            6881,
	}
}

// Scheduler issues bounded DHT operations on behalf of a registration
// tracker. Tick must be called from a single goroutine; completions may
// arrive on any goroutine.
type Scheduler struct {
	tracker  *registration.Tracker
	store    *registration.Store
	svc      dht.Service
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Metrics
	timeouts *timeouts.Manager
	logger   *zap.Logger

	gets    *ratelimit.Slots
	puts    *ratelimit.Slots
	removes *ratelimit.Slots

	ticks atomic.Uint64
}

// New creates a scheduler over tracker's store.
func New(tracker *registration.Tracker, svc dht.Service, cfg *Config, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	s := &Scheduler{
		tracker:  tracker,
		store:    tracker.Store(),
		svc:      svc,
		cfg:      *cfg,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		timeouts: cfg.Timeouts,
		logger:   logger.Named("announce"),
		gets:     ratelimit.NewSlots(cfg.MaxActiveGets),
		puts:     ratelimit.NewSlots(cfg.MaxActivePuts),
		removes:  ratelimit.NewSlots(cfg.MaxActiveRemoves),
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.timeouts == nil {
		s.timeouts = timeouts.NewManager(nil)
	}
	if s.cfg.WantCount <= 0 {
		s.cfg.WantCount = 30
	}
	if s.cfg.HeavyTickEvery <= 0 {
		s.cfg.HeavyTickEvery = 1
	}
	return s
}

// Tick runs one scheduling pass: re-evaluation (with ranking every
// HeavyTickEvery ticks), then the put, remove and get phases.
func (s *Scheduler) Tick() {
	n := s.ticks.Add(1)
	if (n-1)%uint64(s.cfg.HeavyTickEvery) == 0 {
		s.tracker.Refresh()
		s.timeouts.ResetDecay(0.9)
	} else {
		s.tracker.CheckAll()
	}

	sleeping := s.svc.IsSleeping()
	s.putPhase(sleeping)
	s.removePhase()
	s.getPhase(sleeping)
}

// safely runs fn for one download, containing any panic so the rest of
// the tick still runs.
func (s *Scheduler) safely(h torrent.InfoHash, phase string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Download processing panicked",
				zap.String("hash", sanitize.Hash(h[:])),
				zap.String("phase", phase),
				zap.Any("panic", r))
		}
	}()
	fn()
}

func (s *Scheduler) deferred(op string) {
	if s.metrics != nil {
		s.metrics.Deferred.WithLabel(op).Inc()
	}
}

func (s *Scheduler) putPhase(sleeping bool) {
	if s.cfg.PutsDisabled || s.cfg.TCPPort == 0 {
		return
	}
	for _, a := range s.store.Running() {
		h := a.Download.InfoHash()
		capped := false
		s.safely(h, "put", func() { capped = !s.putDownload(a, sleeping) })
		if capped {
			return
		}
	}
}

// putDetails builds what dl publishes this tick.
func (s *Scheduler) putDetails(dl torrent.Download) (registration.PutDetails, dht.Flags, error) {
	seeding := dl.State() == torrent.StateSeeding
	v := dht.PeerValue{
		TCPPort:    s.cfg.TCPPort,
		UDPPort:    s.cfg.UDPPort,
		IP:         s.cfg.IPOverride,
		Seeding:    seeding,
		AltNetwork: s.cfg.AltNetwork,
	}
	enc, err := v.Encode()
	if err != nil {
		return registration.PutDetails{}, 0, err
	}
	flags := dht.FlagDownloading
	if seeding {
		flags = dht.FlagSeeding
	}
	return registration.PutDetails{
		Value:      enc,
		IPOverride: s.cfg.IPOverride,
		TCPPort:    s.cfg.TCPPort,
		UDPPort:    s.cfg.UDPPort,
		AltNetwork: s.cfg.AltNetwork,
	}, flags, nil
}

// putDownload issues puts for the changed targets of one download. It
// returns false once the put cap is reached.
func (s *Scheduler) putDownload(a registration.Active, sleeping bool) bool {
	dl := a.Download
	if dl.Flags()&torrent.FlagMetadataOnly != 0 {
		return true
	}
	h := dl.InfoHash()

	details, flags, err := s.putDetails(dl)
	if err != nil {
		s.logger.Warn("Failed to build put value",
			zap.String("hash", sanitize.Hash(h[:])),
			zap.Error(err))
		return true
	}
	s.store.SetPutDetails(h, details, flags)

	for _, t := range a.Reg.Targets {
		if t.Kind == registration.KindDerived && sleeping {
			continue
		}
		// Skip only when both our record and the DHT's local cache
		// already hold this exact value.
		if prev, ok := s.store.Published(h, t.Hash); ok && prev.Equal(details) &&
			bytes.Equal(s.svc.LocalValue(t.Hash), details.Value) {
			continue
		}
		if !s.puts.TryAcquire() {
			s.deferred("put")
			return false
		}
		s.store.SetPublished(h, t.Hash, details)
		s.issuePut(h, t, details, flags)
	}
	return true
}

func (s *Scheduler) issuePut(h torrent.InfoHash, t registration.Target, details registration.PutDetails, flags dht.Flags) {
	if s.metrics != nil {
		s.metrics.ActivePuts.Inc()
	}
	s.logger.Debug("Issuing put",
		zap.String("hash", sanitize.Hash(h[:])),
		zap.String("target", sanitize.Hash(t.Hash[:])),
		zap.Stringer("kind", t.Kind))

	s.svc.Put(t.Hash, details.Value, flags, func(r dht.PutResult) {
		s.puts.Release()
		if s.metrics != nil {
			s.metrics.ActivePuts.Dec()
		}

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

		if result != "ok" {
			s.store.ClearPublished(h, t.Hash, details)
			s.logger.Debug("Put failed",
				zap.String("hash", sanitize.Hash(h[:])),
				zap.String("target", sanitize.Hash(t.Hash[:])),
				zap.String("result", result),
				zap.Error(r.Err))
			return
		}
		if !s.store.MarkRegistered(h, t) {
			s.withdrawOrphan(h, t)
		}
	})
}

// withdrawOrphan removes a value whose put completed after its download
// was forgotten, since no registration remains to trigger the remove.
func (s *Scheduler) withdrawOrphan(h torrent.InfoHash, t registration.Target) {
	if !s.removes.TryAcquire() {
		s.logger.Warn("Put completed for forgotten download, remove deferred to expiry",
			zap.String("hash", sanitize.Hash(h[:])),
			zap.String("target", sanitize.Hash(t.Hash[:])))
		return
	}
	s.issueRemove(h, t)
}

func (s *Scheduler) removePhase() {
	for _, rm := range s.store.RemovalCandidates() {
		if !s.svc.HasLocalKey(rm.Target.Hash) {
			s.store.DropRegistered(rm.Hash, rm.Target.Hash)
			continue
		}
		if !s.removes.TryAcquire() {
			s.deferred("remove")
			return
		}
		s.store.DropRegistered(rm.Hash, rm.Target.Hash)
		s.issueRemove(rm.Hash, rm.Target)
	}
}

func (s *Scheduler) issueRemove(h torrent.InfoHash, t registration.Target) {
	s.logger.Debug("Issuing remove",
		zap.String("hash", sanitize.Hash(h[:])),
		zap.String("target", sanitize.Hash(t.Hash[:])))

	s.svc.Remove(t.Hash, func(r dht.RemoveResult) {
		s.removes.Release()
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

func (s *Scheduler) getPhase(sleeping bool) {
	now := s.clock.Now()
	running := s.store.Running()
	for _, a := range running {
		if a.InFlight || a.NextQuery.After(now) {
			continue
		}
		h := a.Download.InfoHash()
		capped := false
		s.safely(h, "get", func() { capped = !s.getDownload(a, now, sleeping) })
		if capped {
			return
		}
	}
}

// getDownload starts a get round for one due download. It returns false
// once the get cap is reached.
func (s *Scheduler) getDownload(a registration.Active, now time.Time, sleeping bool) bool {
	dl := a.Download
	h := dl.InfoHash()

	var targets []registration.Target
	for _, t := range a.Reg.Targets {
		if t.Kind == registration.KindDerived && (sleeping || dl.ConnectedPeers() >= s.cfg.WantCount) {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 {
		s.store.Reschedule(h, now.Add(s.cfg.MinInterval))
		return true
	}

	if !s.gets.TryAcquireN(len(targets)) {
		s.deferred("get")
		return false
	}
	round, ok := s.store.BeginQuery(h)
	if !ok {
		s.gets.ReleaseN(len(targets))
		s.logger.Warn("Get skipped, registration not startable",
			zap.String("hash", sanitize.Hash(h[:])))
		return true
	}

	noSeed := dl.State() == torrent.StateSeeding
	finder := s.cfg.Finder
	useFinder := finder != nil && a.Reg.HasFull() && dl.Flags()&torrent.FlagLowNoise == 0

	op := newGetOp(dl, round, a.Reg.HasFull(), s.clock.Now(), len(targets))
	if useFinder {
		op.pending++
	}

	for _, t := range targets {
		s.issueGet(op, t, noSeed)
	}
	if useFinder {
		finder.FindPeers(dht.Key(h), s.cfg.WantCount, noSeed, func(peers []netip.AddrPort) {
			s.completeAlt(op, peers)
		})
	}
	return true
}

func (s *Scheduler) issueGet(op *getOp, t registration.Target, noSeed bool) {
	timeoutOp := timeouts.OpAnnounceDerived
	if t.Kind == registration.KindFull {
		timeoutOp = timeouts.OpAnnounce
	}
	flags := dht.FlagDownloading
	if noSeed {
		flags |= dht.FlagNoSeeds
	}
	opts := dht.GetOptions{
		Want:    s.cfg.WantCount,
		Timeout: s.timeouts.Get(timeoutOp),
		Flags:   flags,
	}
	if s.metrics != nil {
		s.metrics.ActiveGets.Inc()
	}

	s.svc.Get(t.Hash, opts, func(r dht.GetResult) {
		s.gets.Release()
		elapsed := s.clock.Since(op.started)
		result := "ok"
		switch {
		case r.Err != nil:
			result = "error"
			s.timeouts.RecordFailure(timeoutOp)
		case r.TimedOut:
			result = "timeout"
			s.timeouts.RecordTimeout(timeoutOp)
		default:
			s.timeouts.RecordSuccess(timeoutOp, elapsed)
		}
		if s.metrics != nil {
			s.metrics.ActiveGets.Dec()
			s.metrics.Gets.WithLabel(result).Inc()
			s.metrics.AnnounceDuration.WithLabel(t.Kind.String()).Observe(elapsed.Seconds())
		}

		st := s.collect(op, r.Values)
		if op.complete(st) {
			s.finish(op)
		}
	})
}

// collect folds the values of one target into op and returns that
// target's own counts.
func (s *Scheduler) collect(op *getOp, values []dht.Value) registration.RunStats {
	var st registration.RunStats
	seen := make(map[netip.AddrPort]bool)
	for _, v := range values {
		pv, err := dht.DecodePeerValue(v.Data)
		if err != nil || pv.Marker {
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
		op.addPeer(ep)
	}
	st.Peers = len(seen)
	return st
}

func (s *Scheduler) completeAlt(op *getOp, peers []netip.AddrPort) {
	n := 0
	for _, p := range peers {
		if s.cfg.Filter.Allow(p) {
			op.addPeer(p)
			n++
		}
	}
	if op.complete(registration.RunStats{Peers: n}) {
		s.finish(op)
	}
}

// finish runs once per get round, after every target and the alternate
// lookup have completed.
func (s *Scheduler) finish(op *getOp) {
	dl := op.dl
	h := dl.InfoHash()
	peers, stats := op.result()
	stats.Updated = time.Now()

	interval := s.retryInterval(h, len(peers), !op.full)
	if !s.store.EndQuery(h, op.round, s.clock.Now().Add(interval)) {
		s.logger.Debug("Get completed after registration stopped",
			zap.String("hash", sanitize.Hash(h[:])))
		return
	}
	s.store.SetStats(h, stats)

	dl.SetAnnounceResult(torrent.AnnounceResult{
		Peers:      peers,
		Seeds:      stats.Seeds,
		Leechers:   stats.Leechers,
		RetryAfter: interval,
		Source:     torrent.SourceDHT,
	})
	if s.metrics != nil {
		s.metrics.AnnounceResults.Inc()
		s.metrics.PeersFound.Add(int64(len(peers)))
	}

	if s.scrapePlausible(dl) {
		sr := torrent.ScrapeResult{
			Seeds:        stats.Seeds,
			Leechers:     stats.Leechers,
			NextScrapeAt: time.Now().Add(interval),
			Source:       torrent.SourceDHT,
		}
		s.store.RecordInjectedScrape(h, sr)
		dl.SetScrapeResult(sr)
		if s.metrics != nil {
			s.metrics.ScrapeResults.Inc()
		}
	}

	s.logger.Debug("Get round complete",
		zap.String("hash", sanitize.Hash(h[:])),
		zap.Int("peers", len(peers)),
		zap.Int("seeds", stats.Seeds),
		zap.Int("leechers", stats.Leechers),
		zap.Duration("retryAfter", interval))
}

// scrapePlausible reports whether a DHT scrape may be pushed to dl
// without masking a scrape from a working tracker.
func (s *Scheduler) scrapePlausible(dl torrent.Download) bool {
	if dl.Decentralized() {
		return true
	}
	cur, ok := dl.LastScrape()
	if !ok {
		return true
	}
	injected, ok := s.store.InjectedScrape(dl.InfoHash())
	return ok && SameScrape(cur, injected)
}

// SameScrape reports whether two scrape results carry the same data.
func SameScrape(a, b torrent.ScrapeResult) bool {
	return a.Seeds == b.Seeds &&
		a.Leechers == b.Leechers &&
		a.Source == b.Source &&
		a.NextScrapeAt.Equal(b.NextScrapeAt) &&
		a.Err == nil && b.Err == nil
}

// retryInterval places the next round between a floor that grows with
// the number of running registrations and a ceiling, moving toward the
// ceiling as more of the wanted peers are found.
func (s *Scheduler) retryInterval(h torrent.InfoHash, found int, derivedOnly bool) time.Duration {
	running := s.store.Counts().Running
	ceiling := s.cfg.MaxInterval
	if derivedOnly {
		ceiling = s.cfg.MaxIntervalDerived
	}
	floor := max(s.cfg.MinInterval, time.Duration(running)*s.cfg.QuerySpacing)
	floor = min(floor, ceiling)

	if derivedOnly {
		if r, ok := s.store.Rank(h); ok && r.Metric > 0 {
			metric := time.Duration(min(r.Metric, 100))
			ceiling -= (ceiling - floor) * metric / 100
		}
	}

	want := s.cfg.WantCount
	frac := time.Duration(min(found, want))
	return floor + (ceiling-floor)*frac/time.Duration(want)
}

// Stats is a snapshot of scheduler activity.
type Stats struct {
	Ticks         uint64              `json:"ticks"`
	ActiveGets    int                 `json:"active_gets"`
	ActivePuts    int                 `json:"active_puts"`
	ActiveRemoves int                 `json:"active_removes"`
	Registrations registration.Counts `json:"registrations"`
	Downloads     []DownloadStatus    `json:"downloads"`
	Timeouts      []*timeouts.Stats   `json:"timeouts"`
}

// DownloadStatus describes one running registration.
type DownloadStatus struct {
	Hash      string        `json:"hash"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Targets   int           `json:"targets"`
	InFlight  bool          `json:"in_flight"`
	NextQuery time.Duration `json:"next_query_in"`
	Seeds     int           `json:"seeds"`
	Leechers  int           `json:"leechers"`
	Peers     int           `json:"peers"`
}

// Stats returns a snapshot for status reporting.
func (s *Scheduler) Stats() Stats {
	now := s.clock.Now()
	st := Stats{
		Ticks:         s.ticks.Load(),
		ActiveGets:    s.gets.InUse(),
		ActivePuts:    s.puts.InUse(),
		ActiveRemoves: s.removes.InUse(),
		Registrations: s.store.Counts(),
		Timeouts:      s.timeouts.GetAllStats(),
	}
	for _, a := range s.store.Running() {
		h := a.Download.InfoHash()
		rs, _ := s.store.Stats(h)
		st.Downloads = append(st.Downloads, DownloadStatus{
			Hash:      h.String(),
			Name:      sanitize.String(a.Download.Name()),
			Kind:      a.Reg.Kind.String(),
			Targets:   len(a.Reg.Targets),
			InFlight:  a.InFlight,
			NextQuery: max(a.NextQuery.Sub(now), 0),
			Seeds:     rs.Seeds,
			Leechers:  rs.Leechers,
			Peers:     rs.Peers,
		})
	}
	return st
}

func sortPeers(peers []netip.AddrPort) {
	sort.Slice(peers, func(i, j int) bool { return peers[i].Compare(peers[j]) < 0 })
}
