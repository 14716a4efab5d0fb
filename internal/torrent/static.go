package torrent

import (
	"sync"
)

// Static is an in-memory Download. The daemon builds one per entry of the
// torrents file; results pushed into it are kept for status reporting.
type Static struct {
	mu sync.RWMutex

	hash          InfoHash
	name          string
	state         State
	flags         Flags
	size          int64
	private       bool
	decentralized bool
	trackers      []string
	publicNet     bool
	peerSource    bool
	backup        BackupMode
	connected     int

	announce    *AnnounceResult
	scrape      *ScrapeResult
	onAnnounce  func(AnnounceResult)
	onScrape    func(ScrapeResult)
	announceCnt int
	scrapeCnt   int
}

// Spec holds the immutable description of a Static download.
type Spec struct {
	InfoHash      InfoHash
	Name          string
	State         State
	Flags         Flags
	Size          int64
	Private       bool
	Decentralized bool
	Trackers      []string
	PublicNetwork bool
	PeerSource    bool
	Backup        BackupMode
}

// NewStatic creates a Static download from spec.
func NewStatic(spec Spec) *Static {
	return &Static{
		hash:          spec.InfoHash,
		name:          spec.Name,
		state:         spec.State,
		flags:         spec.Flags,
		size:          spec.Size,
		private:       spec.Private,
		decentralized: spec.Decentralized,
		trackers:      append([]string(nil), spec.Trackers...),
		publicNet:     spec.PublicNetwork,
		peerSource:    spec.PeerSource,
		backup:        spec.Backup,
	}
}

func (s *Static) InfoHash() InfoHash { return s.hash }
func (s *Static) Name() string       { return s.name }

func (s *Static) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState changes the run state.
func (s *Static) SetState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Static) Flags() Flags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.flags
}

// SetFlags replaces the behaviour flags.
func (s *Static) SetFlags(f Flags) {
	s.mu.Lock()
	s.flags = f
	s.mu.Unlock()
}

func (s *Static) Size() int64         { return s.size }
func (s *Static) Private() bool       { return s.private }
func (s *Static) Decentralized() bool { return s.decentralized }

func (s *Static) TrackerHosts() []string {
	return append([]string(nil), s.trackers...)
}

func (s *Static) PublicNetwork() bool     { return s.publicNet }
func (s *Static) PeerSourceEnabled() bool { return s.peerSource }

func (s *Static) Backup() BackupMode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.backup
}

// SetBackup changes the decentralized backup preference.
func (s *Static) SetBackup(m BackupMode) {
	s.mu.Lock()
	s.backup = m
	s.mu.Unlock()
}

func (s *Static) ConnectedPeers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// SetConnectedPeers records how many peers the host is connected to.
func (s *Static) SetConnectedPeers(n int) {
	s.mu.Lock()
	s.connected = n
	s.mu.Unlock()
}

func (s *Static) LastAnnounce() (AnnounceResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.announce == nil {
		return AnnounceResult{}, false
	}
	return *s.announce, true
}

func (s *Static) LastScrape() (ScrapeResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.scrape == nil {
		return ScrapeResult{}, false
	}
	return *s.scrape, true
}

// SetAnnounceResult implements Sink.
func (s *Static) SetAnnounceResult(r AnnounceResult) {
	s.mu.Lock()
	s.announce = &r
	s.announceCnt++
	fn := s.onAnnounce
	s.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// SetScrapeResult implements Sink.
func (s *Static) SetScrapeResult(r ScrapeResult) {
	s.mu.Lock()
	s.scrape = &r
	s.scrapeCnt++
	fn := s.onScrape
	s.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}

// OnResults registers callbacks run after each pushed result.
func (s *Static) OnResults(announce func(AnnounceResult), scrape func(ScrapeResult)) {
	s.mu.Lock()
	s.onAnnounce = announce
	s.onScrape = scrape
	s.mu.Unlock()
}

// ResultCounts returns how many announce and scrape results were pushed.
func (s *Static) ResultCounts() (announces, scrapes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.announceCnt, s.scrapeCnt
}
