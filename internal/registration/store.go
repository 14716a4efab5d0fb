package registration

import (
	"bytes"
	"sort"
	"sync"
	"time"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/torrent"
)

// Store holds every download's registration state behind one mutex.
// Methods copy data out; no method calls into the DHT or a download
// while holding the lock.
type Store struct {
	mu      sync.Mutex
	entries map[torrent.InfoHash]*entry
	rounds  uint64
}

type entry struct {
	dl        torrent.Download
	forgotten bool

	// reg survives ineligibility so stats and targets are not rebuilt on
	// every flap; running says whether it is currently in force.
	reg     *Registration
	running bool

	// registered holds targets with at least one successful put.
	registered map[dht.Key]Target
	// published holds the details of the last put issued per target.
	published map[dht.Key]PutDetails

	stats     RunStats
	nextQuery time.Time
	// round identifies the get round in flight, 0 when none.
	round uint64

	rank     Rank
	ranked   bool
	injected *torrent.ScrapeResult
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{entries: make(map[torrent.InfoHash]*entry)}
}

// Track adds dl. Tracking an already known download replaces its handle.
func (s *Store) Track(dl torrent.Download) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := dl.InfoHash()
	if e, ok := s.entries[h]; ok {
		e.dl = dl
		e.forgotten = false
		return
	}
	s.entries[h] = &entry{
		dl:         dl,
		registered: make(map[dht.Key]Target),
		published:  make(map[dht.Key]PutDetails),
	}
}

// Forget stops tracking a download. Its registered targets stay until
// the remove phase has withdrawn them.
func (s *Store) Forget(h torrent.InfoHash) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok {
		return
	}
	e.forgotten = true
	e.running = false
	e.round = 0
	s.gcLocked(h, e)
}

func (s *Store) gcLocked(h torrent.InfoHash, e *entry) {
	if e.forgotten && len(e.registered) == 0 {
		delete(s.entries, h)
	}
}

// Download returns the handle for h.
func (s *Store) Download(h torrent.InfoHash) (torrent.Download, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || e.forgotten {
		return nil, false
	}
	return e.dl, true
}

// Downloads returns every tracked download, ordered by hash.
func (s *Store) Downloads() []torrent.Download {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]torrent.Download, 0, len(s.entries))
	for _, h := range s.sortedLocked() {
		if e := s.entries[h]; !e.forgotten {
			out = append(out, e.dl)
		}
	}
	return out
}

func (s *Store) sortedLocked() []torrent.InfoHash {
	hashes := make([]torrent.InfoHash, 0, len(s.entries))
	for h := range s.entries {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		return bytes.Compare(hashes[i][:], hashes[j][:]) < 0
	})
	return hashes
}

// Registration returns a copy of the cached registration of h and whether
// it is running.
func (s *Store) Registration(h torrent.InfoHash) (reg Registration, running, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[h]
	if !found || e.reg == nil {
		return Registration{}, false, false
	}
	return e.reg.clone(), e.running, true
}

// Transition describes what Apply changed.
type Transition struct {
	From, To Kind
	Started  bool
	Stopped  bool
}

// Changed reports whether the effective kind moved.
func (t Transition) Changed() bool { return t.From != t.To }

// Apply installs a decision. A running Full registration is never
// downgraded to Derived. Starting a registration schedules its first
// query at now.
func (s *Store) Apply(h torrent.InfoHash, d Decision, targets []Target, now time.Time) Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[h]
	if !ok || e.forgotten {
		return Transition{}
	}

	from := KindNone
	if e.running && e.reg != nil {
		from = e.reg.Kind
	}

	if d.Kind == KindNone {
		if e.running {
			e.running = false
			e.nextQuery = time.Time{}
			return Transition{From: from, To: KindNone, Stopped: true}
		}
		return Transition{From: from, To: from}
	}

	if e.running && from == KindFull && d.Kind == KindDerived {
		return Transition{From: from, To: from}
	}

	if e.reg == nil {
		e.reg = &Registration{}
	}
	e.reg.Kind = d.Kind
	e.reg.Targets = append([]Target(nil), targets...)

	tr := Transition{From: from, To: d.Kind}
	if !e.running {
		e.running = true
		e.nextQuery = now
		tr.Started = true
	}
	return tr
}

// Active is a snapshot of a running registration.
type Active struct {
	Download  torrent.Download
	Reg       Registration
	NextQuery time.Time
	InFlight  bool
}

// Running returns snapshots of running registrations, ordered by hash.
func (s *Store) Running() []Active {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Active
	for _, h := range s.sortedLocked() {
		e := s.entries[h]
		if !e.running || e.reg == nil {
			continue
		}
		out = append(out, Active{
			Download:  e.dl,
			Reg:       e.reg.clone(),
			NextQuery: e.nextQuery,
			InFlight:  e.round != 0,
		})
	}
	return out
}

// SetPutDetails records the details the put phase built for h this tick.
func (s *Store) SetPutDetails(h torrent.InfoHash, p PutDetails, flags dht.Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok && e.reg != nil {
		e.reg.Put = p
		e.reg.Put.Value = bytes.Clone(p.Value)
		e.reg.Flags = flags
	}
}

// Published returns the details of the last put issued for key.
func (s *Store) Published(h torrent.InfoHash, key dht.Key) (PutDetails, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return PutDetails{}, false
	}
	p, ok := e.published[key]
	return p, ok
}

// SetPublished records details as issued for key.
func (s *Store) SetPublished(h torrent.InfoHash, key dht.Key, p PutDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		e.published[key] = p
	}
}

// ClearPublished forgets issued details for key if they still equal p, so
// a failed put is retried next tick.
func (s *Store) ClearPublished(h torrent.InfoHash, key dht.Key, p PutDetails) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		if cur, ok := e.published[key]; ok && cur.Equal(p) {
			delete(e.published, key)
		}
	}
}

// MarkRegistered records a successful put of target. Results for
// forgotten or unknown downloads are ignored.
func (s *Store) MarkRegistered(h torrent.InfoHash, t Target) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || e.forgotten {
		return false
	}
	e.registered[t.Hash] = t
	return true
}

// IsRegistered reports whether key has had a successful put for h.
func (s *Store) IsRegistered(h torrent.InfoHash, key dht.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return false
	}
	_, ok = e.registered[key]
	return ok
}

// Removal is a registered target that is no longer wanted.
type Removal struct {
	Hash   torrent.InfoHash
	Target Target
}

// RemovalCandidates lists registered targets outside the running target
// set of their download.
func (s *Store) RemovalCandidates() []Removal {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Removal
	for _, h := range s.sortedLocked() {
		e := s.entries[h]
		if len(e.registered) == 0 {
			continue
		}
		wanted := make(map[dht.Key]bool)
		if e.running && e.reg != nil {
			for _, t := range e.reg.Targets {
				wanted[t.Hash] = true
			}
		}
		keys := make([]dht.Key, 0, len(e.registered))
		for k := range e.registered {
			if !wanted[k] {
				keys = append(keys, k)
			}
		}
		sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i][:], keys[j][:]) < 0 })
		for _, k := range keys {
			out = append(out, Removal{Hash: h, Target: e.registered[k]})
		}
	}
	return out
}

// DropRegistered removes key from the registered set of h.
func (s *Store) DropRegistered(h torrent.InfoHash, key dht.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return
	}
	delete(e.registered, key)
	delete(e.published, key)
	s.gcLocked(h, e)
}

// BeginQuery marks a get round in flight for h and returns its id. It
// fails when h is not running or a round is already in flight.
func (s *Store) BeginQuery(h torrent.InfoHash) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || !e.running || e.round != 0 {
		return 0, false
	}
	s.rounds++
	e.round = s.rounds
	return e.round, true
}

// EndQuery clears round and schedules the next one. It reports whether h
// is still running. A round that Forget already discarded changes
// nothing and reports false.
func (s *Store) EndQuery(h torrent.InfoHash, round uint64, next time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || round == 0 || e.round != round {
		return false
	}
	e.round = 0
	if !e.running {
		return false
	}
	e.nextQuery = next
	return true
}

// Reschedule moves the next query of a running registration.
func (s *Store) Reschedule(h torrent.InfoHash, next time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok && e.running {
		e.nextQuery = next
	}
}

// IsRunning reports whether h has a running registration.
func (s *Store) IsRunning(h torrent.InfoHash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	return ok && e.running
}

// Stats returns the run stats of h.
func (s *Store) Stats(h torrent.InfoHash) (RunStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok {
		return RunStats{}, false
	}
	return e.stats, true
}

// SetStats replaces the stats of h, used when restoring persisted state.
func (s *Store) SetStats(h torrent.InfoHash, st RunStats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		e.stats = st
	}
}

// SetRanking installs a ranking pass. Downloads absent from ranks lose
// their previous rank.
func (s *Store) SetRanking(ranks map[torrent.InfoHash]Rank) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for h, e := range s.entries {
		r, ok := ranks[h]
		e.rank = r
		e.ranked = ok
	}
}

// Rank returns the last rank of h.
func (s *Store) Rank(h torrent.InfoHash) (Rank, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || !e.ranked {
		return Rank{}, false
	}
	return e.rank, true
}

// RecordInjectedScrape remembers the last scrape pushed to h by this engine.
func (s *Store) RecordInjectedScrape(h torrent.InfoHash, r torrent.ScrapeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[h]; ok {
		cp := r
		e.injected = &cp
	}
}

// InjectedScrape returns the last scrape pushed to h by this engine.
func (s *Store) InjectedScrape(h torrent.InfoHash) (torrent.ScrapeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[h]
	if !ok || e.injected == nil {
		return torrent.ScrapeResult{}, false
	}
	return *e.injected, true
}

// Counts summarizes the store.
type Counts struct {
	Tracked    int `json:"tracked"`
	Running    int `json:"running"`
	Full       int `json:"full"`
	Derived    int `json:"derived"`
	Registered int `json:"registered_targets"`
	InFlight   int `json:"in_flight"`
}

// Counts returns a summary of the store.
func (s *Store) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Counts
	for _, e := range s.entries {
		if !e.forgotten {
			c.Tracked++
		}
		c.Registered += len(e.registered)
		if e.round != 0 {
			c.InFlight++
		}
		if !e.running || e.reg == nil {
			continue
		}
		c.Running++
		switch e.reg.Kind {
		case KindFull:
			c.Full++
		case KindDerived:
			c.Derived++
		}
	}
	return c
}
