package announce

import (
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/torrent"
)

// fakeDHT records every operation. With hold set, completions are queued
// until the test releases them.
type fakeDHT struct {
	mu       sync.Mutex
	local    map[dht.Key][]byte
	values   map[dht.Key][]dht.Value
	sleeping bool
	hold     bool
	putErr   error

	puts    []dht.Key
	gets    []dht.Key
	removes []dht.Key

	pendingPuts []func()
	pendingGets []func()
}

func newFakeDHT() *fakeDHT {
	return &fakeDHT{
		local:  make(map[dht.Key][]byte),
		values: make(map[dht.Key][]dht.Value),
	}
}

func (f *fakeDHT) Get(key dht.Key, opts dht.GetOptions, done func(dht.GetResult)) {
	f.mu.Lock()
	f.gets = append(f.gets, key)
	res := dht.GetResult{Values: append([]dht.Value(nil), f.values[key]...)}
	if f.hold {
		f.pendingGets = append(f.pendingGets, func() { done(res) })
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	done(res)
}

func (f *fakeDHT) Put(key dht.Key, value []byte, flags dht.Flags, done func(dht.PutResult)) {
	f.mu.Lock()
	f.puts = append(f.puts, key)
	f.local[key] = value
	res := dht.PutResult{Err: f.putErr}
	if f.hold {
		f.pendingPuts = append(f.pendingPuts, func() { done(res) })
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	done(res)
}

func (f *fakeDHT) Remove(key dht.Key, done func(dht.RemoveResult)) {
	f.mu.Lock()
	f.removes = append(f.removes, key)
	delete(f.local, key)
	f.mu.Unlock()
	done(dht.RemoveResult{})
}

func (f *fakeDHT) HasLocalKey(key dht.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.local[key]
	return ok
}

func (f *fakeDHT) LocalValue(key dht.Key) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local[key]
}

func (f *fakeDHT) IsSleeping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sleeping
}

func (f *fakeDHT) IsDiversified(dht.Key) bool { return false }

func (f *fakeDHT) counts() (puts, gets, removes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.puts), len(f.gets), len(f.removes)
}

func (f *fakeDHT) takePending() (puts, gets []func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	puts, gets = f.pendingPuts, f.pendingGets
	f.pendingPuts, f.pendingGets = nil, nil
	return puts, gets
}

type fakeFinder struct {
	mu    sync.Mutex
	calls []dht.Key
	peers []netip.AddrPort
}

func (f *fakeFinder) FindPeers(key dht.Key, want int, noSeed bool, done func([]netip.AddrPort)) {
	f.mu.Lock()
	f.calls = append(f.calls, key)
	peers := f.peers
	f.mu.Unlock()
	done(peers)
}

func hashOf(b byte) torrent.InfoHash {
	var h torrent.InfoHash
	for i := range h {
		h[i] = b
	}
	return h
}

func newDownload(b byte, mutate func(*torrent.Spec)) *torrent.Static {
	spec := torrent.Spec{
		InfoHash:      hashOf(b),
		Name:          "download",
		State:         torrent.StateSeeding,
		Size:          100 << 20,
		Decentralized: true,
		PublicNetwork: true,
	}
	if mutate != nil {
		mutate(&spec)
	}
	return torrent.NewStatic(spec)
}

type harness struct {
	sched   *Scheduler
	tracker *registration.Tracker
	store   *registration.Store
	dht     *fakeDHT
	clock   *clock.Mock
	metrics *metrics.Metrics
}

func newHarness(t *testing.T, draw float64, mutate func(*Config)) *harness {
	t.Helper()
	mock := clock.NewMock()
	m := metrics.New()

	tcfg := registration.DefaultConfig()
	tcfg.Clock = mock
	tcfg.Metrics = m
	tcfg.Rand = func() float64 { return draw }
	store := registration.NewStore()
	tracker, err := registration.New(store, tcfg, zap.NewNop())
	if err != nil {
		t.Fatalf("registration.New() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.Metrics = m
	if mutate != nil {
		mutate(cfg)
	}
	fake := newFakeDHT()
	return &harness{
		sched:   New(tracker, fake, cfg, zap.NewNop()),
		tracker: tracker,
		store:   store,
		dht:     fake,
		clock:   mock,
		metrics: m,
	}
}

func encode(t *testing.T, v dht.PeerValue) []byte {
	t.Helper()
	b, err := v.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTick_DecentralizedPutsOnce(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, nil)

	if d := h.tracker.Add(dl); d.Kind != registration.KindFull {
		t.Fatalf("decision = %+v, want full", d)
	}

	h.sched.Tick()
	puts, gets, _ := h.dht.counts()
	if puts != 1 || gets != 1 {
		t.Fatalf("tick 1: puts=%d gets=%d, want 1/1", puts, gets)
	}
	if h.dht.puts[0] != dht.Key(dl.InfoHash()) {
		t.Errorf("put key = %s, want content hash", h.dht.puts[0])
	}
	if !h.store.IsRegistered(dl.InfoHash(), dht.Key(dl.InfoHash())) {
		t.Error("target not registered after successful put")
	}

	h.sched.Tick()
	puts, gets, _ = h.dht.counts()
	if puts != 1 {
		t.Errorf("tick 2: puts=%d, want no additional put", puts)
	}
	if gets != 1 {
		t.Errorf("tick 2: gets=%d, want next get still scheduled", gets)
	}

	announces, scrapes := dl.ResultCounts()
	if announces != 1 || scrapes != 1 {
		t.Errorf("results pushed = %d/%d, want 1/1", announces, scrapes)
	}
	a, _ := dl.LastAnnounce()
	if a.Source != torrent.SourceDHT || a.RetryAfter != 120*time.Second {
		t.Errorf("announce = %+v", a)
	}
}

func TestTick_RePutsWhenLocalValueDiffers(t *testing.T) {
	tests := []struct {
		name  string
		local func(f *fakeDHT, key dht.Key)
	}{
		{"value replaced", func(f *fakeDHT, key dht.Key) { f.local[key] = []byte("stale") }},
		{"value evicted", func(f *fakeDHT, key dht.Key) { delete(f.local, key) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 0.99, nil)
			dl := newDownload(1, nil)
			h.tracker.Add(dl)

			h.sched.Tick()
			if puts, _, _ := h.dht.counts(); puts != 1 {
				t.Fatalf("tick 1: puts=%d, want 1", puts)
			}

			h.dht.mu.Lock()
			tt.local(h.dht, dht.Key(dl.InfoHash()))
			h.dht.mu.Unlock()

			h.sched.Tick()
			if puts, _, _ := h.dht.counts(); puts != 2 {
				t.Errorf("tick 2: puts=%d, want the value put again", puts)
			}
		})
	}
}

func TestTick_PrivateNoTraffic(t *testing.T) {
	h := newHarness(t, 0, nil)
	dl := newDownload(1, func(s *torrent.Spec) { s.Private = true })

	if d := h.tracker.Add(dl); d.Kind != registration.KindNone {
		t.Fatalf("decision = %+v, want none", d)
	}
	for i := 0; i < 3; i++ {
		h.sched.Tick()
	}
	puts, gets, removes := h.dht.counts()
	if puts+gets+removes != 0 {
		t.Errorf("traffic = %d/%d/%d, want none", puts, gets, removes)
	}
	if _, running, _ := h.store.Registration(dl.InfoHash()); running {
		t.Error("private download has a running registration")
	}
}

func TestTick_GetCapBounds(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	h.dht.hold = true
	for i := 0; i < 20; i++ {
		h.tracker.Add(newDownload(byte(i+1), nil))
	}

	h.sched.Tick()
	puts, gets, _ := h.dht.counts()
	if gets != 8 {
		t.Errorf("gets issued = %d, want cap of 8", gets)
	}
	if puts != 5 {
		t.Errorf("puts issued = %d, want cap of 5", puts)
	}
	if got := h.sched.gets.InUse(); got != 8 {
		t.Errorf("gets in use = %d, want 8", got)
	}
	if h.metrics.Deferred.WithLabel("get").Value() == 0 {
		t.Error("deferred gets not counted")
	}

	pendingPuts, pendingGets := h.dht.takePending()
	var wg sync.WaitGroup
	for _, fn := range append(pendingPuts, pendingGets...) {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			fn()
		}(fn)
	}
	wg.Wait()

	if got := h.sched.gets.InUse(); got != 0 {
		t.Errorf("gets in use after completion = %d, want 0", got)
	}
	if got := h.sched.puts.InUse(); got != 0 {
		t.Errorf("puts in use after completion = %d, want 0", got)
	}
	if got := h.metrics.ActiveGets.Value(); got != 0 {
		t.Errorf("active gets gauge = %v, want 0", got)
	}

	h.sched.Tick()
	_, gets, _ = h.dht.counts()
	if gets != 16 {
		t.Errorf("gets after tick 2 = %d, want 16", gets)
	}
	if got := h.sched.gets.InUse(); got < 0 || got > 8 {
		t.Errorf("gets in use = %d, out of bounds", got)
	}
}

func TestTick_RegisteredRequiresSuccessfulPut(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	h.dht.putErr = errors.New("no route")
	dl := newDownload(1, nil)
	key := dht.Key(dl.InfoHash())
	h.tracker.Add(dl)

	h.sched.Tick()
	if h.store.IsRegistered(dl.InfoHash(), key) {
		t.Fatal("failed put registered the target")
	}
	if _, ok := h.store.Published(dl.InfoHash(), key); ok {
		t.Error("failed put left published details behind")
	}

	h.sched.Tick()
	if puts, _, _ := h.dht.counts(); puts != 2 {
		t.Errorf("puts = %d, want retry on next tick", puts)
	}

	h.dht.putErr = nil
	h.sched.Tick()
	if !h.store.IsRegistered(dl.InfoHash(), key) {
		t.Error("successful put did not register the target")
	}
	if got := h.metrics.Puts.WithLabel("error").Value(); got != 2 {
		t.Errorf("failed puts counted = %d, want 2", got)
	}
}

func TestTick_RemovesStoppedRegistration(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, nil)
	key := dht.Key(dl.InfoHash())
	h.tracker.Add(dl)
	h.sched.Tick()

	dl.SetState(torrent.StateStopped)
	h.sched.Tick()
	if _, _, removes := h.dht.counts(); removes != 1 {
		t.Fatalf("removes = %d, want 1", removes)
	}
	if h.store.IsRegistered(dl.InfoHash(), key) {
		t.Error("removed target still registered")
	}

	h.sched.Tick()
	if _, _, removes := h.dht.counts(); removes != 1 {
		t.Errorf("removes = %d, want no duplicate", removes)
	}
}

func TestTick_RemovesForgottenDownload(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, nil)
	h.tracker.Add(dl)
	h.sched.Tick()

	h.tracker.Remove(dl.InfoHash())
	h.sched.Tick()

	if _, _, removes := h.dht.counts(); removes != 1 {
		t.Errorf("removes = %d, want 1", removes)
	}
	if c := h.store.Counts(); c.Tracked != 0 || c.Registered != 0 {
		t.Errorf("Counts() = %+v, want empty store", c)
	}
}

func TestPut_CompletesAfterForget(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	h.dht.hold = true
	dl := newDownload(1, nil)
	h.tracker.Add(dl)
	h.sched.Tick()

	h.tracker.Remove(dl.InfoHash())
	puts, _ := h.dht.takePending()
	for _, fn := range puts {
		fn()
	}

	if _, _, removes := h.dht.counts(); removes != 1 {
		t.Errorf("removes = %d, want the orphaned value withdrawn", removes)
	}
	if h.store.IsRegistered(dl.InfoHash(), dht.Key(dl.InfoHash())) {
		t.Error("forgotten download registered")
	}
}

func TestGet_StaleRoundAfterReAdd(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	h.dht.hold = true
	dl := newDownload(1, nil)
	h.tracker.Add(dl)
	h.sched.Tick()
	_, stale := h.dht.takePending()
	if len(stale) != 1 {
		t.Fatalf("pending gets = %d, want 1", len(stale))
	}

	h.tracker.Remove(dl.InfoHash())
	h.tracker.Add(dl)
	h.sched.Tick()
	_, current := h.dht.takePending()
	if len(current) != 1 {
		t.Fatalf("pending gets after re-add = %d, want 1", len(current))
	}

	stale[0]()
	if announces, _ := dl.ResultCounts(); announces != 0 {
		t.Errorf("stale round pushed %d announce results", announces)
	}
	if c := h.store.Counts(); c.InFlight != 1 {
		t.Errorf("InFlight = %d, want the new round still in flight", c.InFlight)
	}
	h.sched.Tick()
	if _, gets, _ := h.dht.counts(); gets != 2 {
		t.Errorf("gets = %d, want no overlapping round", gets)
	}

	current[0]()
	if announces, _ := dl.ResultCounts(); announces != 1 {
		t.Errorf("announces = %d, want 1 from the current round", announces)
	}
	if c := h.store.Counts(); c.InFlight != 0 {
		t.Errorf("InFlight = %d after completion", c.InFlight)
	}
}

func TestTick_DerivedSkippedWhileSleeping(t *testing.T) {
	h := newHarness(t, 0, nil)
	h.dht.sleeping = true
	dl := newDownload(1, func(s *torrent.Spec) {
		s.Decentralized = false
		s.Trackers = []string{"tracker.example"}
	})
	dl.SetAnnounceResult(torrent.AnnounceResult{Source: torrent.SourceTracker})
	dl.SetScrapeResult(torrent.ScrapeResult{Seeds: 5, Leechers: 100, Source: torrent.SourceTracker})

	if d := h.tracker.Add(dl); d.Kind != registration.KindDerived {
		t.Fatalf("decision = %+v, want derived", d)
	}
	h.sched.Tick()

	puts, gets, _ := h.dht.counts()
	if puts != 0 || gets != 0 {
		t.Errorf("puts=%d gets=%d while sleeping, want none", puts, gets)
	}
	active := h.store.Running()
	if len(active) != 1 {
		t.Fatalf("running = %d, want 1", len(active))
	}
	if want := h.clock.Now().Add(120 * time.Second); !active[0].NextQuery.Equal(want) {
		t.Errorf("NextQuery = %v, want %v", active[0].NextQuery, want)
	}
}

func TestTick_MergesValuesAndAlternatePeers(t *testing.T) {
	finder := &fakeFinder{peers: []netip.AddrPort{
		netip.MustParseAddrPort("9.9.9.9:6881"),
		netip.MustParseAddrPort("10.0.0.1:6881"),
	}}
	h := newHarness(t, 0.99, func(c *Config) { c.Finder = finder })
	dl := newDownload(1, nil)
	key := dht.Key(dl.InfoHash())
	h.dht.values[key] = []dht.Value{
		{Origin: netip.MustParseAddrPort("8.8.8.8:1000"), Data: encode(t, dht.PeerValue{TCPPort: 7000, Seeding: true})},
		{Origin: netip.MustParseAddrPort("8.8.4.4:1000"), Data: encode(t, dht.PeerValue{TCPPort: 7000, Marker: true})},
		{Origin: netip.MustParseAddrPort("1.1.1.1:1000"), Data: []byte("garbage")},
	}
	h.tracker.Add(dl)
	h.sched.Tick()

	a, ok := dl.LastAnnounce()
	if !ok {
		t.Fatal("no announce result pushed")
	}
	if len(a.Peers) != 2 {
		t.Fatalf("peers = %v, want value peer and public alternate peer", a.Peers)
	}
	if a.Peers[0].String() != "8.8.8.8:7000" || a.Peers[1].String() != "9.9.9.9:6881" {
		t.Errorf("peers = %v", a.Peers)
	}
	if a.Seeds != 1 || a.Leechers != 0 {
		t.Errorf("seeds/leechers = %d/%d, want 1/0", a.Seeds, a.Leechers)
	}
	if len(finder.calls) != 1 {
		t.Errorf("finder calls = %d, want 1", len(finder.calls))
	}
}

func TestTick_LowNoiseSkipsFinder(t *testing.T) {
	finder := &fakeFinder{}
	h := newHarness(t, 0.99, func(c *Config) { c.Finder = finder })
	dl := newDownload(1, func(s *torrent.Spec) { s.Flags = torrent.FlagLowNoise })
	h.tracker.Add(dl)
	h.sched.Tick()

	if len(finder.calls) != 0 {
		t.Errorf("finder called %d times for low-noise download", len(finder.calls))
	}
	if announces, _ := dl.ResultCounts(); announces != 1 {
		t.Errorf("announces = %d, want 1", announces)
	}
}

func TestTick_MetadataOnlySkipsPut(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, func(s *torrent.Spec) { s.Flags = torrent.FlagMetadataOnly })
	h.tracker.Add(dl)
	h.sched.Tick()

	if puts, gets, _ := h.dht.counts(); puts != 0 || gets != 1 {
		t.Errorf("puts=%d gets=%d, want 0/1", puts, gets)
	}
}

func TestTick_PutsDisabled(t *testing.T) {
	h := newHarness(t, 0.99, func(c *Config) { c.PutsDisabled = true })
	h.tracker.Add(newDownload(1, nil))
	h.sched.Tick()

	if puts, _, _ := h.dht.counts(); puts != 0 {
		t.Errorf("puts = %d with puts disabled", puts)
	}
}

func TestScrape_NeverMasksTrackerScrape(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, func(s *torrent.Spec) {
		s.Decentralized = false
		s.Backup = torrent.BackupRequested
	})
	dl.SetScrapeResult(torrent.ScrapeResult{Seeds: 50, Leechers: 10, Source: torrent.SourceTracker})
	h.tracker.Add(dl)
	h.sched.Tick()

	announces, scrapes := dl.ResultCounts()
	if announces != 1 {
		t.Errorf("announces = %d, want 1", announces)
	}
	if scrapes != 1 {
		t.Errorf("scrapes = %d, want only the tracker's", scrapes)
	}
	if s, _ := dl.LastScrape(); s.Seeds != 50 {
		t.Errorf("tracker scrape overwritten: %+v", s)
	}
}

func TestScrape_ReplacesOwnInjection(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, func(s *torrent.Spec) {
		s.Decentralized = false
		s.Backup = torrent.BackupRequested
	})
	h.tracker.Add(dl)

	h.sched.Tick()
	if _, scrapes := dl.ResultCounts(); scrapes != 1 {
		t.Fatalf("scrapes = %d, want injection with no prior scrape", scrapes)
	}

	h.clock.Add(121 * time.Second)
	h.sched.Tick()
	if _, scrapes := dl.ResultCounts(); scrapes != 2 {
		t.Fatalf("scrapes = %d, want own injection replaced", scrapes)
	}

	dl.SetScrapeResult(torrent.ScrapeResult{Seeds: 7, Source: torrent.SourceTracker})
	h.clock.Add(121 * time.Second)
	h.sched.Tick()
	announces, scrapes := dl.ResultCounts()
	if announces != 3 || scrapes != 3 {
		t.Errorf("results = %d/%d, want 3 announces and no new scrape", announces, scrapes)
	}
}

func TestRetryInterval(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, nil)
	hash := dl.InfoHash()
	h.tracker.Add(dl)

	tests := []struct {
		name        string
		found       int
		derivedOnly bool
		metric      int
		want        time.Duration
	}{
		{"no peers", 0, false, 0, 120 * time.Second},
		{"half", 15, false, 0, 1860 * time.Second},
		{"all", 30, false, 0, 3600 * time.Second},
		{"more than wanted", 45, false, 0, 3600 * time.Second},
		{"derived ceiling", 30, true, 0, 1800 * time.Second},
		{"derived top metric", 30, true, 100, 120 * time.Second},
		{"derived half metric", 30, true, 50, 960 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.store.SetRanking(map[torrent.InfoHash]registration.Rank{hash: {Metric: tt.metric, Allowed: true}})
			if got := h.sched.retryInterval(hash, tt.found, tt.derivedOnly); got != tt.want {
				t.Errorf("retryInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRetryInterval_FloorScalesWithRunning(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	for i := 0; i < 100; i++ {
		h.tracker.Add(newDownload(byte(i+1), nil))
	}
	if got := h.sched.retryInterval(hashOf(1), 0, false); got != 200*time.Second {
		t.Errorf("retryInterval() = %v, want 200s floor", got)
	}
}

func TestStats(t *testing.T) {
	h := newHarness(t, 0.99, nil)
	dl := newDownload(1, nil)
	h.tracker.Add(dl)
	h.sched.Tick()

	st := h.sched.Stats()
	if st.Ticks != 1 || st.Registrations.Full != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if len(st.Downloads) != 1 || st.Downloads[0].NextQuery != 120*time.Second {
		t.Errorf("Downloads = %+v", st.Downloads)
	}
}
