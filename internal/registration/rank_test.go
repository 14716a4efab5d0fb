package registration

import (
	"testing"

	"github.com/debswarm/trackerless/internal/torrent"
)

func TestRawMetric(t *testing.T) {
	cfg := DefaultRankConfig()

	tests := []struct {
		name     string
		size     int64
		announce bool
		leechers int
		scrape   bool
		want     int
	}{
		{"too small", 1024, true, 5000, true, MetricTooSmall},
		{"never announced", 1 << 30, false, 5000, true, MetricNeverAnnounce},
		{"never scraped", 1 << 30, true, 0, false, MetricNeverScraped},
		{"below low", 1 << 30, true, 100, true, 0},
		{"at low", 1 << 30, true, 200, true, 0},
		{"midpoint", 1 << 30, true, 1100, true, 50},
		{"at high", 1 << 30, true, 2000, true, 100},
		{"above high", 1 << 30, true, 9000, true, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := newDownload(1, func(s *torrent.Spec) { s.Size = tt.size })
			if tt.announce {
				dl.SetAnnounceResult(torrent.AnnounceResult{})
			}
			if tt.scrape {
				dl.SetScrapeResult(torrent.ScrapeResult{Leechers: tt.leechers})
			}
			if got := RawMetric(dl, cfg); got != tt.want {
				t.Errorf("RawMetric() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRankDownloads_Attenuation(t *testing.T) {
	cfg := DefaultRankConfig()

	var dls []torrent.Download
	for i := 0; i < 25; i++ {
		dl := newDownload(byte(i+1), nil)
		dl.SetAnnounceResult(torrent.AnnounceResult{})
		dl.SetScrapeResult(torrent.ScrapeResult{Leechers: 5000})
		dls = append(dls, dl)
	}
	// Never ranked: private.
	dls = append(dls, newDownload(99, func(s *torrent.Spec) { s.Private = true }))

	ranks := RankDownloads(dls, cfg)
	if len(ranks) != 25 {
		t.Fatalf("ranked %d downloads, want 25", len(ranks))
	}

	byPos := make(map[int]Rank)
	for _, r := range ranks {
		byPos[r.Position] = r
	}
	checks := []struct {
		pos     int
		metric  int
		allowed bool
	}{
		{0, 100, true},
		{4, 100, true},
		{5, 100, true},
		{10, 66, true},
		{19, 6, true},
		{20, 0, false},
		{24, 0, false},
	}
	for _, c := range checks {
		r := byPos[c.pos]
		if r.Metric != c.metric || r.Allowed != c.allowed {
			t.Errorf("position %d: metric=%d allowed=%v, want %d/%v", c.pos, r.Metric, r.Allowed, c.metric, c.allowed)
		}
	}
}

func TestRankDownloads_OrdersByMetric(t *testing.T) {
	cfg := DefaultRankConfig()

	low := newDownload(1, nil)
	low.SetAnnounceResult(torrent.AnnounceResult{})
	low.SetScrapeResult(torrent.ScrapeResult{Leechers: 300})

	high := newDownload(2, nil)
	high.SetAnnounceResult(torrent.AnnounceResult{})
	high.SetScrapeResult(torrent.ScrapeResult{Leechers: 1900})

	unscraped := newDownload(3, nil)

	ranks := RankDownloads([]torrent.Download{low, unscraped, high}, cfg)
	if ranks[high.InfoHash()].Position != 0 || ranks[low.InfoHash()].Position != 1 || ranks[unscraped.InfoHash()].Position != 2 {
		t.Errorf("ranks = %+v", ranks)
	}
}
