// Package torrent describes the host's view of a shared download as the
// trackerless engine consumes it, and the result sinks it feeds.
package torrent

import (
	"encoding/hex"
	"net/netip"
	"time"
)

// InfoHash is the 20 byte content hash of a torrent.
type InfoHash [20]byte

func (h InfoHash) String() string { return hex.EncodeToString(h[:]) }

// State is the run state of a download.
type State int

const (
	StateStopped State = iota
	StateQueued
	StateDownloading
	StateSeeding
	StatePaused
	StateError
)

// String returns a human-readable name for the state
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateQueued:
		return "queued"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StatePaused:
		return "paused"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseState maps a config string onto a State.
func ParseState(s string) (State, bool) {
	for st := StateStopped; st <= StateError; st++ {
		if st.String() == s {
			return st, true
		}
	}
	return StateStopped, false
}

// Flags are per-download behaviour switches.
type Flags uint8

const (
	// FlagMetadataOnly marks a magnet download still fetching metadata.
	FlagMetadataOnly Flags = 1 << iota
	// FlagLowNoise marks a download that should not generate extra traffic.
	FlagLowNoise
)

// BackupMode is the per-torrent decentralized backup preference.
type BackupMode int

const (
	BackupDefault BackupMode = iota
	BackupDisabled
	BackupRequested
)

// Source says where an announce or scrape result came from.
type Source int

const (
	SourceTracker Source = iota
	SourceDHT
)

// AnnounceResult is pushed to the host after each announce round.
type AnnounceResult struct {
	Peers      []netip.AddrPort
	Seeds      int
	Leechers   int
	Err        error
	RetryAfter time.Duration
	Source     Source
}

// ScrapeResult carries aggregate swarm statistics.
type ScrapeResult struct {
	Seeds        int
	Leechers     int
	NextScrapeAt time.Time
	Err          error
	Source       Source
}

// SwarmSize returns seeds plus leechers.
func (s ScrapeResult) SwarmSize() int { return s.Seeds + s.Leechers }

// Sink receives announce and scrape results.
type Sink interface {
	SetAnnounceResult(AnnounceResult)
	SetScrapeResult(ScrapeResult)
}

// Download is an opaque handle onto a host download.
type Download interface {
	Sink

	InfoHash() InfoHash
	Name() string
	State() State
	Flags() Flags
	Size() int64

	// Private reports a private torrent that must never use a DHT.
	Private() bool
	// Decentralized reports a torrent with no conventional tracker.
	Decentralized() bool
	TrackerHosts() []string
	// PublicNetwork reports whether the public network is enabled.
	PublicNetwork() bool
	// PeerSourceEnabled reports an explicit request for DHT peers.
	PeerSourceEnabled() bool
	Backup() BackupMode

	LastAnnounce() (AnnounceResult, bool)
	LastScrape() (ScrapeResult, bool)
	ConnectedPeers() int
}
