// Package lookup runs iterative get_peers lookups against the mainline
// BitTorrent DHT over a single shared UDP socket.
package lookup

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/krpc"
	"github.com/debswarm/trackerless/internal/lifecycle"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/ratelimit"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/security"
	"github.com/debswarm/trackerless/internal/timeouts"
)

var (
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("lookup client closed")

	errSocketBackoff = errors.New("socket recreation backing off")

	// errNoSocket wraps send failures caused by the shared socket rather
	// than the destination. The query was not sent.
	errNoSocket = errors.New("lookup socket unavailable")
)

// ContactBook supplies seed contacts and learns nodes that answered.
type ContactBook interface {
	Contacts(n int) []netip.AddrPort
	Add(addrs ...netip.AddrPort)
}

// Config holds lookup client configuration
type Config struct {
	ListenAddr   string
	Routers      []string
	MaxSeeds     int
	Concurrency  int
	FrontierSize int
	Linger       time.Duration
	Sweep        time.Duration
	StartGrace   time.Duration
	PacketRate   int

	Contacts ContactBook
	Filter   security.Filter
	Timeouts *timeouts.Manager
	Clock    clock.Clock
	Metrics  *metrics.Metrics
}

// DefaultConfig returns default lookup configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":0",
		MaxSeeds:     16,
		Concurrency:  8,
		FrontierSize: 10,
		Linger:       5 * time.Second,
		Sweep:        2500 * time.Millisecond,
		StartGrace:   10 * time.Second,
	}
}

type transaction struct {
	task *Task
	addr netip.AddrPort
	sent time.Time
}

// Client owns the UDP socket and every running lookup.
type Client struct {
	cfg      Config
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	timeouts *timeouts.Manager
	limiter  *ratelimit.Limiter
	self     krpc.NodeID

	lc        *lifecycle.Manager
	startedAt time.Time
	work      chan func()
	closed    atomic.Bool

	sockMu      sync.Mutex
	conn        *net.UDPConn
	sockWait    time.Time
	sockBackoff *backoff.ExponentialBackOff

	txMu sync.Mutex
	txs  map[krpc.TxID]*transaction

	tasksMu sync.Mutex
	tasks   map[*Task]struct{}

	routersMu sync.RWMutex
	routers   []netip.AddrPort
}

// New creates a lookup client. Call Start before issuing lookups.
func New(cfg *Config, logger *zap.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := &Client{
		cfg:      *cfg,
		clock:    cfg.Clock,
		logger:   logger.Named("lookup"),
		metrics:  cfg.Metrics,
		timeouts: cfg.Timeouts,
		limiter:  ratelimit.New(cfg.PacketRate),
		self:     krpc.RandomNodeID(),
		work:     make(chan func(), 256),
		txs:      make(map[krpc.TxID]*transaction),
		tasks:    make(map[*Task]struct{}),
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	if c.timeouts == nil {
		c.timeouts = timeouts.NewManager(nil)
	}
	if c.cfg.Concurrency <= 0 {
		c.cfg.Concurrency = 8
	}
	if c.cfg.FrontierSize <= 0 {
		c.cfg.FrontierSize = 10
	}
	if c.cfg.Sweep <= 0 {
		c.cfg.Sweep = 2500 * time.Millisecond
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = time.Minute
	b.MaxElapsedTime = 0
	b.Clock = c.clock
	b.Reset()
	c.sockBackoff = b

	return c
}

// Start opens the socket and starts the receive, dispatch and sweep loops.
func (c *Client) Start(ctx context.Context) error {
	c.lc = lifecycle.New(ctx, lifecycle.WithClock(c.clock), lifecycle.WithLogger(c.logger))
	c.startedAt = c.clock.Now()

	if _, err := c.socket(); err != nil {
		c.lc.Stop()
		return fmt.Errorf("failed to open lookup socket: %w", err)
	}

	c.lc.Go(c.dispatch)
	c.lc.RunTicker(c.cfg.Sweep, c.sweep)
	if len(c.cfg.Routers) > 0 {
		c.lc.Go(c.resolveRouters)
	}

	c.logger.Info("Lookup client started",
		zap.String("addr", c.LocalAddr().String()),
		zap.Int("routers", len(c.cfg.Routers)))
	return nil
}

// Close stops the client. Lookups still running finish with the peers
// found so far.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.sockMu.Lock()
	conn := c.conn
	c.conn = nil
	c.sockMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if c.lc != nil {
		c.lc.Stop()
	}

	c.tasksMu.Lock()
	tasks := make([]*Task, 0, len(c.tasks))
	for t := range c.tasks {
		tasks = append(tasks, t)
	}
	c.tasksMu.Unlock()
	for _, t := range tasks {
		t.finish("closed")
	}
	return nil
}

// LocalAddr returns the bound address of the socket, if open.
func (c *Client) LocalAddr() netip.AddrPort {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if c.conn == nil {
		return netip.AddrPort{}
	}
	return c.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Lookup starts a get_peers lookup for target. onPeer, if set, is called
// once per newly found peer; done is called exactly once with every peer
// found. Both run on the client's dispatcher and must not block.
func (c *Client) Lookup(target krpc.NodeID, want int, noSeed bool, onPeer func(netip.AddrPort), done func([]netip.AddrPort)) *Task {
	t := newTask(c, target, want, noSeed, onPeer, done)

	if c.closed.Load() || c.lc == nil {
		t.finish("closed")
		return t
	}

	c.tasksMu.Lock()
	c.tasks[t] = struct{}{}
	c.tasksMu.Unlock()
	if c.metrics != nil {
		c.metrics.ActiveLookups.Inc()
	}

	if !c.post(t.start) {
		t.finish("closed")
	}
	return t
}

// FindPeers runs a lookup for key and reports the peers found.
func (c *Client) FindPeers(key dht.Key, want int, noSeed bool, done func([]netip.AddrPort)) {
	c.Lookup(krpc.NodeID(key), want, noSeed, nil, done)
}

// Stats is a snapshot of the client.
type Stats struct {
	LocalAddr   string `json:"local_addr"`
	SocketOpen  bool   `json:"socket_open"`
	Lookups     int    `json:"lookups"`
	PendingRPCs int    `json:"pending_rpcs"`
	Routers     int    `json:"routers"`
}

// Stats returns a snapshot of the client.
func (c *Client) Stats() Stats {
	st := Stats{}
	if ap := c.LocalAddr(); ap.IsValid() {
		st.LocalAddr = ap.String()
		st.SocketOpen = true
	}
	c.tasksMu.Lock()
	st.Lookups = len(c.tasks)
	c.tasksMu.Unlock()
	c.txMu.Lock()
	st.PendingRPCs = len(c.txs)
	c.txMu.Unlock()
	c.routersMu.RLock()
	st.Routers = len(c.routers)
	c.routersMu.RUnlock()
	return st
}

func (c *Client) lookupTimeout() time.Duration {
	return c.timeouts.Get(timeouts.OpLookup)
}

func (c *Client) inStartGrace() bool {
	return c.clock.Since(c.startedAt) < c.cfg.StartGrace
}

// seeds returns the starting contacts for a new lookup.
func (c *Client) seeds() []netip.AddrPort {
	var out []netip.AddrPort
	if c.cfg.Contacts != nil && c.cfg.MaxSeeds > 0 {
		out = append(out, c.cfg.Contacts.Contacts(c.cfg.MaxSeeds)...)
	}
	c.routersMu.RLock()
	out = append(out, c.routers...)
	c.routersMu.RUnlock()
	return out
}

// post hands fn to the dispatcher.
func (c *Client) post(fn func()) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.work <- fn:
		return true
	case <-c.lc.Done():
		return false
	}
}

func (c *Client) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.work:
			c.run(fn)
		}
	}
}

func (c *Client) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic in lookup dispatcher", zap.Any("panic", r))
		}
	}()
	fn()
}

// socket returns the shared UDP socket, opening it if needed. Failed
// opens are retried no sooner than the backoff allows.
func (c *Client) socket() (*net.UDPConn, error) {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}
	if c.closed.Load() {
		return nil, ErrClosed
	}
	now := c.clock.Now()
	if now.Before(c.sockWait) {
		return nil, errSocketBackoff
	}

	addr, err := net.ResolveUDPAddr("udp", c.cfg.ListenAddr)
	if err == nil {
		c.conn, err = net.ListenUDP("udp", addr)
	}
	if err != nil {
		c.sockWait = now.Add(c.sockBackoff.NextBackOff())
		return nil, err
	}
	c.sockBackoff.Reset()

	conn := c.conn
	c.lc.Go(func(ctx context.Context) { c.readLoop(ctx, conn) })
	return conn, nil
}

// socketRetryIn returns how long a task stalled on the socket should wait
// before sending again.
func (c *Client) socketRetryIn() time.Duration {
	c.sockMu.Lock()
	defer c.sockMu.Unlock()
	if d := c.sockWait.Sub(c.clock.Now()); d > 0 {
		return d
	}
	return c.cfg.Sweep
}

// dropSocket closes conn if it is still the shared socket. The next send
// opens a fresh one.
func (c *Client) dropSocket(conn *net.UDPConn, cause error) {
	c.sockMu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
	}
	c.sockMu.Unlock()

	if current {
		conn.Close()
		c.logger.Warn("Lookup socket failed, will reopen", zap.Error(cause))
	}
}

func (c *Client) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil || c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.dropSocket(conn, err)
			return
		}
		data := bytes.Clone(buf[:n])
		if !c.post(func() { c.handlePacket(data, from) }) {
			return
		}
	}
}

func (c *Client) handlePacket(data []byte, from netip.AddrPort) {
	msg, err := krpc.Decode(data)
	if err != nil {
		c.logger.Debug("Dropping packet",
			zap.String("from", sanitize.Addr(from)),
			zap.Error(err))
		return
	}

	switch {
	case msg.Reply != nil:
		tx := c.takeTx(msg.TxID, from)
		if tx == nil {
			return
		}
		c.timeouts.RecordSuccess(timeouts.OpLookupRPC, c.clock.Since(tx.sent))
		c.countRPC("ok")
		if c.cfg.Contacts != nil {
			c.cfg.Contacts.Add(unmap(from))
		}
		tx.task.onReply(msg.TxID, unmap(from), msg.Reply)
	case msg.Error != nil:
		tx := c.takeTx(msg.TxID, from)
		if tx == nil {
			return
		}
		c.timeouts.RecordFailure(timeouts.OpLookupRPC)
		c.countRPC("error")
		tx.task.onFailure(msg.TxID, false)
	}
}

func (c *Client) countRPC(outcome string) {
	if c.metrics != nil {
		c.metrics.LookupRPCs.WithLabel(outcome).Inc()
	}
}

// sendQuery sends one get_peers query for t and records the transaction.
func (c *Client) sendQuery(t *Task, addr netip.AddrPort) (krpc.TxID, error) {
	if err := c.limiter.Wait(c.lc.Context()); err != nil {
		return krpc.TxID{}, err
	}
	conn, err := c.socket()
	if err != nil {
		return krpc.TxID{}, fmt.Errorf("%w: %w", errNoSocket, err)
	}

	id := c.newTx(t, addr)
	pkt, err := krpc.EncodeQuery(&krpc.GetPeersQuery{
		TxID:     id,
		ID:       c.self,
		InfoHash: t.target,
		NoSeed:   t.noSeed,
	})
	if err != nil {
		c.dropTx(id)
		return krpc.TxID{}, err
	}
	if _, err := conn.WriteToUDPAddrPort(pkt, addr); err != nil {
		c.dropTx(id)
		if errors.Is(err, net.ErrClosed) {
			c.dropSocket(conn, err)
			return krpc.TxID{}, fmt.Errorf("%w: %w", errNoSocket, err)
		}
		return krpc.TxID{}, err
	}
	return id, nil
}

func (c *Client) newTx(t *Task, addr netip.AddrPort) krpc.TxID {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	var id krpc.TxID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		if _, taken := c.txs[id]; !taken {
			break
		}
	}
	c.txs[id] = &transaction{task: t, addr: addr, sent: c.clock.Now()}
	return id
}

func (c *Client) dropTx(id krpc.TxID) {
	c.txMu.Lock()
	delete(c.txs, id)
	c.txMu.Unlock()
}

// takeTx claims the transaction answered by from. Replies from any other
// address are ignored.
func (c *Client) takeTx(id krpc.TxID, from netip.AddrPort) *transaction {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	tx, ok := c.txs[id]
	if !ok || unmap(tx.addr) != unmap(from) {
		return nil
	}
	delete(c.txs, id)
	return tx
}

// sweep expires unanswered queries.
func (c *Client) sweep() {
	now := c.clock.Now()
	limit := c.timeouts.Get(timeouts.OpLookupRPC)

	type expired struct {
		id krpc.TxID
		tx *transaction
	}
	var gone []expired
	c.txMu.Lock()
	for id, tx := range c.txs {
		if now.Sub(tx.sent) >= limit {
			delete(c.txs, id)
			gone = append(gone, expired{id, tx})
		}
	}
	c.txMu.Unlock()

	for _, e := range gone {
		c.timeouts.RecordTimeout(timeouts.OpLookupRPC)
		c.countRPC("timeout")
		c.post(func() { e.tx.task.onFailure(e.id, true) })
	}
}

// forget drops a finished task and its outstanding transactions.
func (c *Client) forget(t *Task, ids []krpc.TxID, elapsed time.Duration) {
	c.txMu.Lock()
	for _, id := range ids {
		delete(c.txs, id)
	}
	c.txMu.Unlock()

	c.tasksMu.Lock()
	_, tracked := c.tasks[t]
	delete(c.tasks, t)
	c.tasksMu.Unlock()

	if tracked && c.metrics != nil {
		c.metrics.ActiveLookups.Dec()
		c.metrics.LookupDuration.Observe(elapsed.Seconds())
	}
}

// resolveRouters turns the configured bootstrap routers into addresses.
// Unresolvable names are skipped.
func (c *Client) resolveRouters(ctx context.Context) {
	var out []netip.AddrPort
	for _, r := range c.cfg.Routers {
		if ap, err := netip.ParseAddrPort(r); err == nil {
			out = append(out, unmap(ap))
			continue
		}
		host, portStr, err := net.SplitHostPort(r)
		if err != nil {
			c.logger.Warn("Invalid router address", zap.String("router", r), zap.Error(err))
			continue
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			c.logger.Warn("Invalid router port", zap.String("router", r), zap.Error(err))
			continue
		}
		ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip4", host)
		if err != nil {
			c.logger.Debug("Failed to resolve router", zap.String("router", r), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			out = append(out, netip.AddrPortFrom(ip.Unmap(), uint16(port)))
		}
	}

	c.routersMu.Lock()
	c.routers = out
	c.routersMu.Unlock()
	c.logger.Debug("Resolved routers", zap.Int("count", len(out)))
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
