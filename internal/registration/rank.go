package registration

import (
	"bytes"
	"sort"

	"github.com/debswarm/trackerless/internal/torrent"
)

// Metric sentinels for downloads that cannot be ranked on swarm size.
const (
	MetricTooSmall      = -99
	MetricNeverAnnounce = -98
	MetricNeverScraped  = -97
)

// RankConfig holds the derived ranking constants.
type RankConfig struct {
	MinContentSize int64
	LeechersLow    int
	LeechersHigh   int
	// TopRank downloads keep their full metric; from TopRank to MaxRank it
	// attenuates linearly; at MaxRank and beyond it is 0 and derived
	// tracking is refused.
	TopRank int
	MaxRank int
}

// DefaultRankConfig returns the stock ranking constants.
func DefaultRankConfig() RankConfig {
	return RankConfig{
		MinContentSize: 10 * 1024 * 1024,
		LeechersLow:    200,
		LeechersHigh:   2000,
		TopRank:        5,
		MaxRank:        20,
	}
}

// Rank is the outcome of a ranking pass for one download.
type Rank struct {
	Position int
	Raw      int
	Metric   int
	Allowed  bool
}

// RawMetric scores how much a download would gain from derived tracking,
// in [-100, 100].
func RawMetric(dl torrent.Download, cfg RankConfig) int {
	if dl.Size() < cfg.MinContentSize {
		return MetricTooSmall
	}
	if _, ok := dl.LastAnnounce(); !ok {
		return MetricNeverAnnounce
	}
	scrape, ok := dl.LastScrape()
	if !ok {
		return MetricNeverScraped
	}

	l := scrape.Leechers
	switch {
	case l <= cfg.LeechersLow:
		return 0
	case l >= cfg.LeechersHigh:
		return 100
	default:
		return (l - cfg.LeechersLow) * 100 / (cfg.LeechersHigh - cfg.LeechersLow)
	}
}

// RankCandidate reports whether dl competes for derived slots at all.
func RankCandidate(dl torrent.Download) bool {
	if dl.Private() || !dl.PublicNetwork() || dl.Decentralized() {
		return false
	}
	if dl.Backup() == torrent.BackupDisabled {
		return false
	}
	switch dl.State() {
	case torrent.StateDownloading, torrent.StateSeeding, torrent.StatePaused, torrent.StateQueued:
		return true
	default:
		return false
	}
}

// RankDownloads ranks the candidates among dls by descending metric.
// Ties break on info hash so a pass is deterministic.
func RankDownloads(dls []torrent.Download, cfg RankConfig) map[torrent.InfoHash]Rank {
	type scored struct {
		hash torrent.InfoHash
		raw  int
	}
	var list []scored
	for _, dl := range dls {
		if !RankCandidate(dl) {
			continue
		}
		list = append(list, scored{hash: dl.InfoHash(), raw: RawMetric(dl, cfg)})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].raw != list[j].raw {
			return list[i].raw > list[j].raw
		}
		return bytes.Compare(list[i].hash[:], list[j].hash[:]) < 0
	})

	out := make(map[torrent.InfoHash]Rank, len(list))
	for pos, s := range list {
		out[s.hash] = Rank{
			Position: pos,
			Raw:      s.raw,
			Metric:   attenuate(s.raw, pos, cfg),
			Allowed:  pos < cfg.MaxRank,
		}
	}
	return out
}

func attenuate(raw, pos int, cfg RankConfig) int {
	switch {
	case pos < cfg.TopRank:
		return raw
	case pos >= cfg.MaxRank:
		return 0
	default:
		return raw * (cfg.MaxRank - pos) / (cfg.MaxRank - cfg.TopRank)
	}
}
