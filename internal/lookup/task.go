package lookup

import (
	"errors"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/krpc"
	"github.com/debswarm/trackerless/internal/sanitize"
)

type candidate struct {
	id   krpc.NodeID
	addr netip.AddrPort
	dist Distance
}

// Task is one iterative get_peers lookup. Its methods other than
// IsComplete and Stats run on the client's dispatcher goroutine.
type Task struct {
	c      *Client
	target krpc.NodeID
	want   int
	noSeed bool
	onPeer func(netip.AddrPort)
	done   func([]netip.AddrPort)
	retry  backoff.BackOff

	mu        sync.Mutex
	started   time.Time
	firstHit  time.Time
	toQuery   []candidate
	pending   map[netip.AddrPort]bool
	queried   map[netip.AddrPort]bool
	heardFrom []candidate
	active    map[krpc.TxID]netip.AddrPort
	peers     map[netip.AddrPort]struct{}
	order     []netip.AddrPort
	sent      int
	replies   int
	timedOut  int
	completed bool
	armed     bool
	stalled   bool
	timers    []*clock.Timer
}

func newTask(c *Client, target krpc.NodeID, want int, noSeed bool, onPeer func(netip.AddrPort), done func([]netip.AddrPort)) *Task {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = c.cfg.StartGrace
	b.Clock = c.clock
	b.Reset()

	return &Task{
		c:       c,
		target:  target,
		want:    want,
		noSeed:  noSeed,
		onPeer:  onPeer,
		done:    done,
		retry:   b,
		started: c.clock.Now(),
		pending: make(map[netip.AddrPort]bool),
		queried: make(map[netip.AddrPort]bool),
		active:  make(map[krpc.TxID]netip.AddrPort),
		peers:   make(map[netip.AddrPort]struct{}),
	}
}

// IsComplete reports whether the task has finished.
func (t *Task) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Target returns the info hash being looked up.
func (t *Task) Target() krpc.NodeID { return t.target }

// after posts fn to the dispatcher once d has elapsed.
func (t *Task) after(d time.Duration, fn func()) {
	timer := t.c.lc.AfterFunc(d, func() { t.c.post(fn) })
	t.mu.Lock()
	t.timers = append(t.timers, timer)
	t.mu.Unlock()
}

// start seeds the task from the client's contacts. With no contacts yet
// it retries with backoff during the client's start grace window.
func (t *Task) start() {
	if t.IsComplete() {
		return
	}
	seeds := t.c.seeds()
	if len(seeds) == 0 {
		if t.c.inStartGrace() {
			if d := t.retry.NextBackOff(); d != backoff.Stop {
				t.after(d, t.start)
				return
			}
		}
		t.finish("no contacts")
		return
	}

	t.mu.Lock()
	for _, ap := range seeds {
		t.insertLocked(candidate{addr: ap, dist: farthest})
	}
	arm := !t.armed
	t.armed = true
	remaining := t.c.lookupTimeout() - t.c.clock.Since(t.started)
	t.mu.Unlock()

	if arm {
		t.after(max(remaining, 0), t.maybeFinish)
	}
	t.pump()
	t.maybeFinish()
}

// insertLocked adds c to toQuery in distance order unless its address
// was already queried or is already pending.
func (t *Task) insertLocked(c candidate) {
	if t.queried[c.addr] || t.pending[c.addr] {
		return
	}
	i := sort.Search(len(t.toQuery), func(i int) bool { return c.dist.Less(t.toQuery[i].dist) })
	t.toQuery = append(t.toQuery, candidate{})
	copy(t.toQuery[i+1:], t.toQuery[i:])
	t.toQuery[i] = c
	t.pending[c.addr] = true
}

// hearLocked records a responder in the closeness frontier, evicting the
// least close entry once over capacity.
func (t *Task) hearLocked(c candidate) {
	for _, h := range t.heardFrom {
		if h.addr == c.addr {
			return
		}
	}
	i := sort.Search(len(t.heardFrom), func(i int) bool { return c.dist.Less(t.heardFrom[i].dist) })
	t.heardFrom = append(t.heardFrom, candidate{})
	copy(t.heardFrom[i+1:], t.heardFrom[i:])
	t.heardFrom[i] = c
	if len(t.heardFrom) > t.c.cfg.FrontierSize {
		t.heardFrom = t.heardFrom[:t.c.cfg.FrontierSize]
	}
}

// beyondFrontierLocked reports a candidate no closer than every node in
// a full frontier; querying it cannot improve the result.
func (t *Task) beyondFrontierLocked(d Distance) bool {
	n := len(t.heardFrom)
	if n < t.c.cfg.FrontierSize {
		return false
	}
	return !d.Less(t.heardFrom[n-1].dist)
}

// pick removes up to the free concurrency of closest candidates from
// toQuery and marks them queried.
func (t *Task) pick() []candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		return nil
	}

	var out []candidate
	for len(t.active)+len(out) < t.c.cfg.Concurrency && len(t.toQuery) > 0 {
		c := t.toQuery[0]
		t.toQuery = t.toQuery[1:]
		delete(t.pending, c.addr)
		if t.beyondFrontierLocked(c.dist) {
			continue
		}
		t.queried[c.addr] = true
		out = append(out, c)
	}
	return out
}

// pump fills the concurrency window from toQuery.
func (t *Task) pump() {
	for {
		picks := t.pick()
		if len(picks) == 0 {
			return
		}
		for i, c := range picks {
			id, err := t.c.sendQuery(t, c.addr)
			if errors.Is(err, errNoSocket) {
				t.stall(picks[i:], err)
				return
			}
			if err != nil {
				t.c.logger.Debug("Failed to send get_peers",
					zap.String("addr", sanitize.Addr(c.addr)),
					zap.Error(err))
				continue
			}
			t.mu.Lock()
			t.active[id] = c.addr
			t.sent++
			t.mu.Unlock()
		}
		if t.c.closed.Load() {
			return
		}
	}
}

// stall puts unsent candidates back and resumes once the socket may be
// reopened. A socket that never returns leaves the task to its timeout.
func (t *Task) stall(unsent []candidate, cause error) {
	t.mu.Lock()
	for _, c := range unsent {
		delete(t.queried, c.addr)
		t.insertLocked(c)
	}
	schedule := !t.stalled && !t.completed
	t.stalled = true
	t.mu.Unlock()

	if !schedule || t.c.closed.Load() {
		return
	}
	d := t.c.socketRetryIn()
	t.c.logger.Debug("Lookup stalled on socket",
		zap.String("target", sanitize.Hash(t.target[:])),
		zap.Duration("retryIn", d),
		zap.Error(cause))
	t.after(d, t.resume)
}

func (t *Task) resume() {
	t.mu.Lock()
	t.stalled = false
	t.mu.Unlock()
	t.pump()
	t.maybeFinish()
}

func (t *Task) onReply(id krpc.TxID, from netip.AddrPort, r *krpc.GetPeersReply) {
	now := t.c.clock.Now()

	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.active[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	t.replies++
	t.hearLocked(candidate{id: r.ID, addr: from, dist: XOR(r.ID, t.target)})

	var fresh []netip.AddrPort
	for _, ap := range r.Values {
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		if !t.c.cfg.Filter.Allow(ap) {
			continue
		}
		if _, ok := t.peers[ap]; ok {
			continue
		}
		t.peers[ap] = struct{}{}
		t.order = append(t.order, ap)
		fresh = append(fresh, ap)
	}
	firstHit := len(fresh) > 0 && t.firstHit.IsZero()
	if firstHit {
		t.firstHit = now
	}

	for _, nodes := range [][]krpc.Node{r.Nodes, r.Nodes6} {
		for _, n := range nodes {
			addr := netip.AddrPortFrom(n.Addr.Addr().Unmap(), n.Addr.Port())
			if n.ID == t.c.self || !t.c.cfg.Filter.Allow(addr) {
				continue
			}
			t.insertLocked(candidate{id: n.ID, addr: addr, dist: XOR(n.ID, t.target)})
		}
	}
	t.mu.Unlock()

	if t.onPeer != nil {
		for _, ap := range fresh {
			t.onPeer(ap)
		}
	}
	if firstHit {
		t.after(t.c.cfg.Linger, t.maybeFinish)
	}
	t.pump()
	t.maybeFinish()
}

// onFailure drops a query that timed out or was answered with an error
// and tries the next candidate.
func (t *Task) onFailure(id krpc.TxID, timedOut bool) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	if _, ok := t.active[id]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.active, id)
	if timedOut {
		t.timedOut++
	}
	t.mu.Unlock()

	t.pump()
	t.maybeFinish()
}

func (t *Task) doneReasonLocked(now time.Time) string {
	switch {
	case now.Sub(t.started) >= t.c.lookupTimeout():
		return "timeout"
	case len(t.peers) > t.want && !t.firstHit.IsZero() && now.Sub(t.firstHit) >= t.c.cfg.Linger:
		return "enough peers"
	case len(t.active) == 0 && len(t.toQuery) == 0:
		return "exhausted"
	}
	return ""
}

func (t *Task) maybeFinish() {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	reason := t.doneReasonLocked(t.c.clock.Now())
	t.mu.Unlock()
	if reason != "" {
		t.finish(reason)
	}
}

// finish completes the task. Only the first call has any effect.
func (t *Task) finish(reason string) {
	t.mu.Lock()
	if t.completed {
		t.mu.Unlock()
		return
	}
	t.completed = true
	peers := append([]netip.AddrPort(nil), t.order...)
	timers := t.timers
	t.timers = nil
	ids := make([]krpc.TxID, 0, len(t.active))
	for id := range t.active {
		ids = append(ids, id)
	}
	t.active = make(map[krpc.TxID]netip.AddrPort)
	elapsed := t.c.clock.Since(t.started)
	sent, replies := t.sent, t.replies
	t.mu.Unlock()

	for _, timer := range timers {
		timer.Stop()
	}
	t.c.forget(t, ids, elapsed)

	t.c.logger.Debug("Lookup finished",
		zap.String("target", sanitize.Hash(t.target[:])),
		zap.String("reason", reason),
		zap.Int("peers", len(peers)),
		zap.Int("sent", sent),
		zap.Int("replies", replies),
		zap.Duration("elapsed", elapsed))

	if t.done != nil {
		t.done(peers)
	}
}

// TaskStats is a snapshot of a task.
type TaskStats struct {
	Found     int  `json:"found"`
	HeardFrom int  `json:"heard_from"`
	ToQuery   int  `json:"to_query"`
	Queried   int  `json:"queried"`
	Active    int  `json:"active"`
	Sent      int  `json:"sent"`
	Replies   int  `json:"replies"`
	TimedOut  int  `json:"timed_out"`
	Completed bool `json:"completed"`
}

// Stats returns a snapshot of the task.
func (t *Task) Stats() TaskStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskStats{
		Found:     len(t.peers),
		HeardFrom: len(t.heardFrom),
		ToQuery:   len(t.toQuery),
		Queried:   len(t.queried),
		Active:    len(t.active),
		Sent:      t.sent,
		Replies:   t.replies,
		TimedOut:  t.timedOut,
		Completed: t.completed,
	}
}
