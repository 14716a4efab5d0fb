package presence

import (
	"net/netip"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/state"
	"github.com/debswarm/trackerless/internal/torrent"
)

type putCall struct {
	key   dht.Key
	value []byte
}

type fakeDHT struct {
	mu          sync.Mutex
	values      map[dht.Key][]dht.Value
	diversified map[dht.Key]bool
	gets        []dht.GetOptions
	puts        []putCall
	removes     []dht.Key
	local       map[dht.Key][]byte
}

func newFakeDHT() *fakeDHT {
	return &fakeDHT{
		values:      make(map[dht.Key][]dht.Value),
		diversified: make(map[dht.Key]bool),
		local:       make(map[dht.Key][]byte),
	}
}

func (f *fakeDHT) Get(key dht.Key, opts dht.GetOptions, done func(dht.GetResult)) {
	f.mu.Lock()
	f.gets = append(f.gets, opts)
	res := dht.GetResult{Values: f.values[key], Diversified: f.diversified[key]}
	f.mu.Unlock()
	done(res)
}

func (f *fakeDHT) Put(key dht.Key, value []byte, flags dht.Flags, done func(dht.PutResult)) {
	f.mu.Lock()
	f.puts = append(f.puts, putCall{key: key, value: value})
	f.local[key] = value
	f.mu.Unlock()
	done(dht.PutResult{})
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

func (f *fakeDHT) LocalValue(dht.Key) []byte  { return nil }
func (f *fakeDHT) IsSleeping() bool           { return false }
func (f *fakeDHT) IsDiversified(dht.Key) bool { return false }

func (f *fakeDHT) counts() (gets, puts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.gets), len(f.puts)
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
		Name:          "dormant",
		State:         torrent.StateStopped,
		PublicNetwork: true,
		Trackers:      []string{"tracker.example"},
	}
	if mutate != nil {
		mutate(&spec)
	}
	return torrent.NewStatic(spec)
}

func value(t *testing.T, origin string, v dht.PeerValue) dht.Value {
	t.Helper()
	b, err := v.Encode()
	if err != nil {
		t.Fatal(err)
	}
	return dht.Value{Origin: netip.MustParseAddrPort(origin), Data: b}
}

type harness struct {
	scanner *Scanner
	store   *registration.Store
	dht     *fakeDHT
	clock   *clock.Mock
}

func newHarness(t *testing.T, db ScanStore, mutate func(*Config)) *harness {
	t.Helper()
	mock := clock.NewMock()
	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.Rand = func() float64 { return 0 }
	if mutate != nil {
		mutate(cfg)
	}
	store := registration.NewStore()
	fake := newFakeDHT()
	return &harness{
		scanner: New(store, fake, db, cfg, zap.NewNop()),
		store:   store,
		dht:     fake,
		clock:   mock,
	}
}

func TestScan_PublishesMarkerWhenScarce(t *testing.T) {
	h := newHarness(t, nil, nil)
	dl := newDownload(1, func(s *torrent.Spec) { s.State = torrent.StateSeeding })
	h.store.Track(dl)
	h.dht.values[dht.Key(dl.InfoHash())] = []dht.Value{
		value(t, "8.8.8.8:1000", dht.PeerValue{TCPPort: 7000}),
	}

	h.scanner.Tick()
	gets, puts := h.dht.counts()
	if gets != 1 || puts != 1 {
		t.Fatalf("gets=%d puts=%d, want 1/1", gets, puts)
	}
	if opts := h.dht.gets[0]; opts.Want != 20 || opts.Flags&dht.FlagStats == 0 {
		t.Errorf("scan options = %+v", opts)
	}
	pv, err := dht.DecodePeerValue(h.dht.puts[0].value)
	if err != nil {
		t.Fatalf("marker value error = %v", err)
	}
	if !pv.Marker || !pv.Seeding || pv.TCPPort != 6881 {
		t.Errorf("marker = %+v", pv)
	}

	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 1 {
		t.Errorf("gets = %d, want next scan hours away", gets)
	}
}

func TestScan_WithdrawsMarkerOfForgottenDownload(t *testing.T) {
	h := newHarness(t, nil, nil)
	dl := newDownload(1, nil)
	key := dht.Key(dl.InfoHash())
	h.store.Track(dl)

	h.scanner.Tick()
	if _, puts := h.dht.counts(); puts != 1 {
		t.Fatalf("puts = %d, want a marker", puts)
	}
	if st := h.scanner.Stats(); st.Markers != 1 {
		t.Errorf("Markers = %d, want 1", st.Markers)
	}

	h.scanner.Tick()
	if len(h.dht.removes) != 0 {
		t.Fatal("marker withdrawn while the download is still tracked")
	}

	h.store.Forget(dl.InfoHash())
	h.scanner.Tick()
	if len(h.dht.removes) != 1 || h.dht.removes[0] != key {
		t.Fatalf("removes = %v, want the marker key", h.dht.removes)
	}
	if h.dht.HasLocalKey(key) {
		t.Error("marker still served after withdrawal")
	}
	if st := h.scanner.Stats(); st.Markers != 0 {
		t.Errorf("Markers = %d after withdrawal", st.Markers)
	}

	h.scanner.Tick()
	if len(h.dht.removes) != 1 {
		t.Errorf("removes = %d, want a single withdrawal", len(h.dht.removes))
	}
}

func TestScan_NoMarkerWhenAvailable(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.ResultCap = 2 })
	dl := newDownload(1, nil)
	h.store.Track(dl)
	h.dht.values[dht.Key(dl.InfoHash())] = []dht.Value{
		value(t, "8.8.8.8:1000", dht.PeerValue{TCPPort: 7000}),
		value(t, "8.8.4.4:1000", dht.PeerValue{TCPPort: 7000}),
	}

	h.scanner.Tick()
	if _, puts := h.dht.counts(); puts != 0 {
		t.Errorf("puts = %d, want none for a well-populated key", puts)
	}
}

func TestScan_PutsDisabled(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.PutsDisabled = true })
	h.store.Track(newDownload(1, nil))

	h.scanner.Tick()
	if gets, puts := h.dht.counts(); gets != 1 || puts != 0 {
		t.Errorf("gets=%d puts=%d, want 1/0", gets, puts)
	}
}

func TestScan_DiversifiedRetires(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := newHarness(t, db, nil)
	dl := newDownload(1, nil)
	h.store.Track(dl)
	h.dht.diversified[dht.Key(dl.InfoHash())] = true

	h.scanner.Tick()
	if _, puts := h.dht.counts(); puts != 0 {
		t.Errorf("puts = %d after diversified scan", puts)
	}

	h.clock.Add(10 * time.Hour)
	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 1 {
		t.Errorf("gets = %d, want retired download left alone", gets)
	}

	rec, err := db.Scan(dl.InfoHash())
	if err != nil || !rec.Retired {
		t.Errorf("persisted scan = %+v, %v; want retired", rec, err)
	}
	if st := h.scanner.Stats(); st.Retired != 1 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestScan_SkipsIneligible(t *testing.T) {
	h := newHarness(t, nil, nil)

	private := newDownload(1, func(s *torrent.Spec) { s.Private = true })
	offNet := newDownload(2, func(s *torrent.Spec) { s.PublicNetwork = false })
	running := newDownload(3, func(s *torrent.Spec) { s.State = torrent.StateSeeding })
	for _, dl := range []*torrent.Static{private, offNet, running} {
		h.store.Track(dl)
	}
	rh := running.InfoHash()
	h.store.Apply(rh, registration.Decision{Kind: registration.KindFull},
		[]registration.Target{registration.FullTarget(rh)}, h.clock.Now())

	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 0 {
		t.Errorf("gets = %d, want no scans", gets)
	}
}

func TestScan_DecentralizedInterval(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.store.Track(newDownload(1, func(s *torrent.Spec) { s.Decentralized = true; s.Trackers = nil }))
	h.store.Track(newDownload(2, nil))

	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 2 {
		t.Fatalf("gets = %d, want both scanned at start", gets)
	}

	// Jitter draws 0, so the next scans land at 0.9 of each interval.
	h.clock.Add(55 * time.Minute)
	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 3 {
		t.Errorf("gets = %d, want only the decentralized download rescanned", gets)
	}

	h.clock.Add(3 * time.Hour)
	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 5 {
		t.Errorf("gets = %d, want both rescanned", gets)
	}
}

func TestScan_PersistedSchedule(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := newHarness(t, db, nil)
	dl := newDownload(1, nil)
	if err := db.PutScan(state.Scan{Hash: dl.InfoHash(), NextScan: h.clock.Now().Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	h.store.Track(dl)

	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 0 {
		t.Fatalf("gets = %d, want persisted schedule honoured", gets)
	}
	h.clock.Add(time.Hour)
	h.scanner.Tick()
	if gets, _ := h.dht.counts(); gets != 1 {
		t.Errorf("gets = %d, want scan once due", gets)
	}
}

func TestRefresh_SynthesizesScrape(t *testing.T) {
	db, err := state.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	h := newHarness(t, db, nil)
	dl := newDownload(1, func(s *torrent.Spec) {
		s.State = torrent.StatePaused
		s.Decentralized = true
		s.Trackers = nil
	})
	h.store.Track(dl)
	h.dht.values[dht.Key(dl.InfoHash())] = []dht.Value{
		value(t, "8.8.8.8:1000", dht.PeerValue{TCPPort: 7000, Seeding: true}),
		value(t, "8.8.4.4:1000", dht.PeerValue{TCPPort: 7000}),
		value(t, "8.8.4.4:2000", dht.PeerValue{TCPPort: 7000}),
		value(t, "192.168.1.1:1000", dht.PeerValue{TCPPort: 7000}),
	}

	h.scanner.Tick()

	sr, ok := dl.LastScrape()
	if !ok {
		t.Fatal("no scrape pushed")
	}
	if sr.Seeds != 1 || sr.Leechers != 1 || sr.Source != torrent.SourceDHT {
		t.Errorf("scrape = %+v, want 1 seed and 1 leecher from the dht", sr)
	}
	if inj, ok := h.store.InjectedScrape(dl.InfoHash()); !ok || inj.Seeds != 1 {
		t.Errorf("injected scrape = %+v, %v", inj, ok)
	}
	if st, err := db.RunStats(dl.InfoHash()); err != nil || st.Peers != 2 {
		t.Errorf("persisted stats = %+v, %v", st, err)
	}

	_, before := dl.ResultCounts()
	h.clock.Add(10 * time.Minute)
	h.scanner.Tick()
	if _, after := dl.ResultCounts(); after != before {
		t.Errorf("scrapes = %d, want none before the refresh interval", after)
	}
	h.clock.Add(30 * time.Minute)
	h.scanner.Tick()
	if _, after := dl.ResultCounts(); after != before+1 {
		t.Errorf("scrapes = %d, want one more after the refresh interval", after)
	}
}

func TestRefreshInterval_ScalesWithCandidates(t *testing.T) {
	h := newHarness(t, nil, nil)
	if got := h.scanner.refreshInterval(10); got != 30*time.Minute {
		t.Errorf("refreshInterval(10) = %v, want floor", got)
	}
	if got := h.scanner.refreshInterval(120); got != time.Hour {
		t.Errorf("refreshInterval(120) = %v, want 1h", got)
	}
}
