package announce

import (
	"net/netip"
	"sync"
	"time"

	"github.com/debswarm/trackerless/internal/registration"
	"github.com/debswarm/trackerless/internal/torrent"
)

// getOp accumulates one get round across its targets and the optional
// alternate lookup. Completions arrive on arbitrary goroutines.
type getOp struct {
	dl      torrent.Download
	round   uint64
	full    bool
	started time.Time

	mu      sync.Mutex
	pending int
	done    bool
	peers   map[netip.AddrPort]struct{}
	stats   registration.RunStats
}

func newGetOp(dl torrent.Download, round uint64, full bool, started time.Time, pending int) *getOp {
	return &getOp{
		dl:      dl,
		round:   round,
		full:    full,
		started: started,
		pending: pending,
		peers:   make(map[netip.AddrPort]struct{}),
	}
}

func (op *getOp) addPeer(ap netip.AddrPort) {
	op.mu.Lock()
	op.peers[ap] = struct{}{}
	op.mu.Unlock()
}

// complete folds one part's counts in and reports whether it was the
// last outstanding part. It returns true at most once.
func (op *getOp) complete(st registration.RunStats) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.done {
		return false
	}
	op.stats = op.stats.Merge(st)
	op.pending--
	if op.pending > 0 {
		return false
	}
	op.done = true
	return true
}

// result returns the sorted peer union and merged counts.
func (op *getOp) result() ([]netip.AddrPort, registration.RunStats) {
	op.mu.Lock()
	defer op.mu.Unlock()
	peers := make([]netip.AddrPort, 0, len(op.peers))
	for p := range op.peers {
		peers = append(peers, p)
	}
	sortPeers(peers)
	st := op.stats
	st.Peers = len(peers)
	return peers, st
}
