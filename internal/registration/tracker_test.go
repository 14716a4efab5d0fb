package registration

import (
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/torrent"
)

func hashOf(b byte) torrent.InfoHash {
	var h torrent.InfoHash
	h[0] = b
	h[19] = b
	return h
}

func newDownload(b byte, mutate func(*torrent.Spec)) *torrent.Static {
	spec := torrent.Spec{
		InfoHash:      hashOf(b),
		Name:          "test",
		State:         torrent.StateSeeding,
		Size:          100 * 1024 * 1024,
		Trackers:      []string{"tracker.example.org"},
		PublicNetwork: true,
	}
	if mutate != nil {
		mutate(&spec)
	}
	return torrent.NewStatic(spec)
}

func newTestTracker(t *testing.T, draw float64) *Tracker {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Clock = clock.NewMock()
	cfg.Rand = func() float64 { return draw }
	tr, err := New(NewStore(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return tr
}

func onlineTracker(dl *torrent.Static, seeds, leechers int) {
	dl.SetAnnounceResult(torrent.AnnounceResult{Seeds: seeds, Leechers: leechers})
	dl.SetScrapeResult(torrent.ScrapeResult{Seeds: seeds, Leechers: leechers})
}

func TestEvaluate_Policy(t *testing.T) {
	tests := []struct {
		name   string
		spec   func(*torrent.Spec)
		setup  func(*torrent.Static)
		draw   float64
		want   Kind
		reason string
	}{
		{
			name:   "stopped",
			spec:   func(s *torrent.Spec) { s.State = torrent.StateStopped },
			want:   KindNone,
			reason: "not running",
		},
		{
			name:   "errored",
			spec:   func(s *torrent.Spec) { s.State = torrent.StateError },
			want:   KindNone,
			reason: "not running",
		},
		{
			name:   "private",
			spec:   func(s *torrent.Spec) { s.Private = true; s.Decentralized = true },
			want:   KindNone,
			reason: "private torrent",
		},
		{
			name:   "public network off",
			spec:   func(s *torrent.Spec) { s.PublicNetwork = false },
			want:   KindNone,
			reason: "public network disabled",
		},
		{
			name:   "decentralized",
			spec:   func(s *torrent.Spec) { s.Decentralized = true; s.Backup = torrent.BackupDisabled },
			want:   KindFull,
			reason: "decentralized torrent",
		},
		{
			name:   "backup disabled",
			spec:   func(s *torrent.Spec) { s.Backup = torrent.BackupDisabled },
			want:   KindNone,
			reason: "decentralized backup disabled",
		},
		{
			name:   "backup requested",
			spec:   func(s *torrent.Spec) { s.Backup = torrent.BackupRequested },
			setup:  func(d *torrent.Static) { onlineTracker(d, 500, 500) },
			want:   KindFull,
			reason: "decentralized backup requested",
		},
		{
			name:   "no tracker result",
			want:   KindFull,
			reason: "no tracker result",
		},
		{
			name: "announce failed",
			setup: func(d *torrent.Static) {
				d.SetAnnounceResult(torrent.AnnounceResult{Err: errors.New("timeout")})
			},
			want:   KindFull,
			reason: "tracker announce failed",
		},
		{
			name: "announce from dht",
			setup: func(d *torrent.Static) {
				d.SetAnnounceResult(torrent.AnnounceResult{Source: torrent.SourceDHT})
			},
			want:   KindFull,
			reason: "last announce from dht",
		},
		{
			name: "scrape only, failed",
			setup: func(d *torrent.Static) {
				d.SetScrapeResult(torrent.ScrapeResult{Err: errors.New("refused")})
			},
			want:   KindFull,
			reason: "tracker scrape failed",
		},
		{
			name:   "small swarm sampled",
			setup:  func(d *torrent.Static) { onlineTracker(d, 5, 10) },
			draw:   0.99,
			want:   KindDerived,
			reason: "sampled while tracker online",
		},
		{
			name:   "large swarm lucky draw",
			setup:  func(d *torrent.Static) { onlineTracker(d, 800, 800) },
			draw:   0.001,
			want:   KindDerived,
			reason: "sampled while tracker online",
		},
		{
			name:   "large swarm unlucky draw",
			setup:  func(d *torrent.Static) { onlineTracker(d, 800, 800) },
			draw:   0.5,
			want:   KindNone,
			reason: "tracker sufficient",
		},
		{
			name:   "peer source enabled",
			spec:   func(s *torrent.Spec) { s.PeerSource = true },
			setup:  func(d *torrent.Static) { onlineTracker(d, 800, 800) },
			draw:   0.5,
			want:   KindFull,
			reason: "peer source enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTracker(t, tt.draw)
			dl := newDownload(1, tt.spec)
			if tt.setup != nil {
				tt.setup(dl)
			}
			got := tr.Evaluate(dl)
			if got.Kind != tt.want || got.Reason != tt.reason {
				t.Errorf("Evaluate() = %v/%q, want %v/%q", got.Kind, got.Reason, tt.want, tt.reason)
			}
		})
	}
}

func TestEvaluate_OfflineRuleDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrackWhenTrackerOffline = false
	tr, err := New(NewStore(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	dl := newDownload(1, nil)
	if got := tr.Evaluate(dl); got.Kind != KindNone {
		t.Errorf("Evaluate() = %v, want none with offline tracking disabled", got.Kind)
	}
}

func TestEvaluate_SampleCached(t *testing.T) {
	draw := 0.001
	cfg := DefaultConfig()
	cfg.Rand = func() float64 { return draw }
	tr, err := New(NewStore(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	dl := newDownload(1, nil)
	onlineTracker(dl, 1000, 1000)

	if got := tr.Evaluate(dl); got.Kind != KindDerived {
		t.Fatalf("first Evaluate() = %v, want derived", got.Kind)
	}
	draw = 0.99
	if got := tr.Evaluate(dl); got.Kind != KindDerived {
		t.Errorf("second Evaluate() = %v, cached sample should hold", got.Kind)
	}

	tr.Remove(dl.InfoHash())
	if got := tr.Evaluate(dl); got.Kind != KindNone {
		t.Errorf("after Remove, Evaluate() = %v, want fresh draw to refuse", got.Kind)
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	tr := newTestTracker(t, 0.5)
	dl := newDownload(1, func(s *torrent.Spec) { s.Decentralized = true })

	first := tr.Add(dl)
	second := tr.Check(dl)
	if first != second {
		t.Errorf("decisions differ: %+v vs %+v", first, second)
	}
	reg, running, ok := tr.Store().Registration(dl.InfoHash())
	if !ok || !running || reg.Kind != KindFull || len(reg.Targets) != 1 {
		t.Errorf("registration = %+v running=%v", reg, running)
	}
}

func TestCheck_QueuedKeepsState(t *testing.T) {
	tr := newTestTracker(t, 0.5)
	dl := newDownload(1, func(s *torrent.Spec) { s.Decentralized = true })

	tr.Add(dl)
	dl.SetState(torrent.StateQueued)
	d := tr.Check(dl)
	if d.Kind != KindFull {
		t.Errorf("queued decision = %v, want full kept", d.Kind)
	}
	if !tr.Store().IsRunning(dl.InfoHash()) {
		t.Error("queued download stopped running")
	}

	fresh := newDownload(2, func(s *torrent.Spec) { s.Decentralized = true; s.State = torrent.StateQueued })
	if d := tr.Add(fresh); d.Kind != KindNone {
		t.Errorf("fresh queued decision = %v, want none", d.Kind)
	}
}

func TestCheck_NoDowngrade(t *testing.T) {
	tr := newTestTracker(t, 0.001)
	dl := newDownload(1, nil)

	// Tracker offline: full.
	if d := tr.Add(dl); d.Kind != KindFull {
		t.Fatalf("Add() = %v, want full", d.Kind)
	}

	// Tracker comes back and the download is sampled for derived.
	onlineTracker(dl, 1000, 1000)
	if d := tr.Check(dl); d.Kind != KindDerived {
		t.Fatalf("Check() = %v, want derived decision", d.Kind)
	}
	reg, _, _ := tr.Store().Registration(dl.InfoHash())
	if reg.Kind != KindFull || !reg.HasFull() {
		t.Errorf("running full registration downgraded to %v", reg.Kind)
	}
}

func TestCheck_Upgrade(t *testing.T) {
	tr := newTestTracker(t, 0.001)
	dl := newDownload(1, nil)
	onlineTracker(dl, 1000, 1000)

	if d := tr.Add(dl); d.Kind != KindDerived {
		t.Fatalf("Add() = %v, want derived", d.Kind)
	}
	dl.SetAnnounceResult(torrent.AnnounceResult{Err: errors.New("down")})
	tr.Check(dl)

	reg, running, _ := tr.Store().Registration(dl.InfoHash())
	if !running || reg.Kind != KindFull || len(reg.Targets) != 1 || reg.Targets[0].Kind != KindFull {
		t.Errorf("registration after upgrade = %+v", reg)
	}
}

func TestRefresh_RankCapDropsDerived(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rand = func() float64 { return 0 }
	cfg.Ranking.TopRank = 0
	cfg.Ranking.MaxRank = 1
	tr, err := New(NewStore(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	big := newDownload(1, nil)
	onlineTracker(big, 100, 2000)
	small := newDownload(2, nil)
	onlineTracker(small, 100, 300)

	tr.Add(big)
	tr.Add(small)
	if c := tr.Store().Counts(); c.Derived != 2 {
		t.Fatalf("Derived = %d, want 2 before ranking", c.Derived)
	}

	tr.Refresh()

	if !tr.Store().IsRunning(big.InfoHash()) {
		t.Error("top ranked download lost its derived registration")
	}
	if tr.Store().IsRunning(small.InfoHash()) {
		t.Error("download beyond max rank kept its derived registration")
	}
	r, ok := tr.Store().Rank(small.InfoHash())
	if !ok || r.Allowed || r.Metric != 0 {
		t.Errorf("rank = %+v", r)
	}
}

func TestCheckAll_SurvivesPanic(t *testing.T) {
	tr := newTestTracker(t, 0.5)
	good := newDownload(2, func(s *torrent.Spec) { s.Decentralized = true })
	tr.Store().Track(panicky{newDownload(1, nil)})
	tr.Store().Track(good)

	tr.CheckAll()

	if !tr.Store().IsRunning(good.InfoHash()) {
		t.Error("a panicking download blocked evaluation of the others")
	}
}

type panicky struct{ *torrent.Static }

func (panicky) State() torrent.State { panic("broken download") }
