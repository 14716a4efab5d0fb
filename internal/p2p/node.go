// Package p2p provides the libp2p Kademlia DHT that presence values are
// published into.
package p2p

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p"
	kaddht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/discovery"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/debswarm/trackerless/internal/connectivity"
	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/lifecycle"
	"github.com/debswarm/trackerless/internal/metrics"
	"github.com/debswarm/trackerless/internal/sanitize"
	"github.com/debswarm/trackerless/internal/security"
)

const (
	// ProtocolPresence is the stream protocol serving locally held values
	ProtocolPresence = "/trackerless/presence/1.0.0"

	// NamespacePresence prefixes provider records for a key
	NamespacePresence = "/trackerless/presence/"

	// MaxValueSize bounds a value served or accepted over a stream
	MaxValueSize = 1024
)

// ErrValueTooLarge is returned when a remote serves an oversized value
var ErrValueTooLarge = errors.New("presence value too large")

// Config holds P2P node configuration
type Config struct {
	ListenPort     int
	BootstrapPeers []string
	PrivateKey     crypto.PrivKey
	IdentityPath   string // persistent identity; ephemeral when empty
	MaxConnections int    // 0 = default 100
	BlockedPeers   []string
	Filter         security.Filter

	PutTimeout        time.Duration // provider advertisement
	StreamTimeout     time.Duration // per-provider value fetch
	FetchConcurrency  int
	RepublishInterval time.Duration

	// DiversifyThreshold is the provider count at which a key is treated
	// as heavily contended; DiversifyTTL is how long that verdict holds.
	DiversifyThreshold int
	DiversifyTTL       time.Duration

	Connectivity *connectivity.Config
	Clock        clock.Clock
	Metrics      *metrics.Metrics
}

// DefaultConfig returns default P2P configuration
func DefaultConfig() *Config {
	return &Config{
		ListenPort:         4002,
		PutTimeout:         60 * time.Second,
		StreamTimeout:      10 * time.Second,
		FetchConcurrency:   8,
		RepublishInterval:  12 * time.Hour,
		DiversifyThreshold: 64,
		DiversifyTTL:       time.Hour,
	}
}

type localValue struct {
	data  []byte
	flags dht.Flags
}

// Node is a libp2p host running kad-dht. It implements dht.Service:
// values are held locally and served over ProtocolPresence, and the DHT
// stores provider records pointing at their holders.
type Node struct {
	host             host.Host
	dht              *kaddht.IpfsDHT
	routingDiscovery *drouting.RoutingDiscovery
	gater            *Gater
	monitor          *connectivity.Monitor
	lc               *lifecycle.Manager
	clock            clock.Clock
	logger           *zap.Logger
	cfg              Config
	bootstrapDone    chan struct{}

	mu    sync.RWMutex
	local map[dht.Key]localValue

	diversified *lru.Cache[dht.Key, time.Time]
}

// New creates a P2P node and starts bootstrapping in the background
func New(ctx context.Context, cfg *Config, logger *zap.Logger) (*Node, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	c := *cfg
	if c.PutTimeout <= 0 {
		c.PutTimeout = defaults.PutTimeout
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = defaults.StreamTimeout
	}
	if c.FetchConcurrency <= 0 {
		c.FetchConcurrency = defaults.FetchConcurrency
	}
	if c.RepublishInterval <= 0 {
		c.RepublishInterval = defaults.RepublishInterval
	}
	if c.DiversifyThreshold <= 0 {
		c.DiversifyThreshold = defaults.DiversifyThreshold
	}
	if c.DiversifyTTL <= 0 {
		c.DiversifyTTL = defaults.DiversifyTTL
	}
	clk := c.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger = logger.Named("p2p")

	privKey, err := loadKey(&c, logger)
	if err != nil {
		return nil, err
	}

	var listenAddrs []multiaddr.Multiaddr
	for _, addr := range []string{
		fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", c.ListenPort),
		fmt.Sprintf("/ip6/::/tcp/%d", c.ListenPort),
		fmt.Sprintf("/ip4/0.0.0.0/udp/%d/quic-v1", c.ListenPort),
		fmt.Sprintf("/ip6/::/udp/%d/quic-v1", c.ListenPort),
	} {
		if ma, maErr := multiaddr.NewMultiaddr(addr); maErr == nil {
			listenAddrs = append(listenAddrs, ma)
		}
	}

	maxConns := c.MaxConnections
	if maxConns <= 0 {
		maxConns = 100
	}
	connMgr, err := connmgr.NewConnManager(
		maxConns*80/100,
		maxConns,
		connmgr.WithGracePeriod(10*time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection manager: %w", err)
	}

	blocked := make([]peer.ID, 0, len(c.BlockedPeers))
	for _, s := range c.BlockedPeers {
		pid, decodeErr := peer.Decode(s)
		if decodeErr != nil {
			logger.Warn("Invalid peer ID in blocklist", zap.String("peer", sanitize.String(s)), zap.Error(decodeErr))
			continue
		}
		blocked = append(blocked, pid)
	}
	gater := NewGater(blocked, c.Filter)

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(connMgr),
		libp2p.ConnectionGater(gater),
		libp2p.EnableNATService(),
		libp2p.NATPortMap(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create host: %w", err)
	}

	logger.Info("Created P2P host",
		zap.String("peerID", h.ID().String()),
		zap.Int("blockedPeers", len(blocked)))

	lc := lifecycle.New(ctx, lifecycle.WithClock(clk), lifecycle.WithLogger(logger))

	kad, err := kaddht.New(lc.Context(), h,
		kaddht.Mode(kaddht.ModeAutoServer),
		kaddht.ProtocolPrefix("/trackerless"),
	)
	if err != nil {
		lc.Stop()
		if closeErr := h.Close(); closeErr != nil {
			logger.Debug("Failed to close host during cleanup", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to create DHT: %w", err)
	}

	diversified, err := lru.New[dht.Key, time.Time](4096)
	if err != nil {
		lc.Stop()
		kad.Close()
		h.Close()
		return nil, fmt.Errorf("failed to create diversification cache: %w", err)
	}

	n := &Node{
		host:             h,
		dht:              kad,
		routingDiscovery: drouting.NewRoutingDiscovery(kad),
		gater:            gater,
		lc:               lc,
		clock:            clk,
		logger:           logger,
		cfg:              c,
		bootstrapDone:    make(chan struct{}),
		local:            make(map[dht.Key]localValue),
		diversified:      diversified,
	}

	monCfg := connectivity.DefaultConfig()
	if c.Connectivity != nil {
		cc := *c.Connectivity
		monCfg = &cc
	}
	monCfg.RoutingTableSize = n.RoutingTableSize
	monCfg.Clock = clk
	monCfg.Metrics = c.Metrics
	n.monitor = connectivity.NewMonitor(monCfg, logger)

	h.SetStreamHandler(protocol.ID(ProtocolPresence), n.handlePresenceStream)

	lc.Go(func(ctx context.Context) { n.bootstrap(ctx, c.BootstrapPeers) })
	lc.Go(n.monitor.Start)
	lc.RunTicker(c.RepublishInterval, n.republish)

	return n, nil
}

func loadKey(c *Config, logger *zap.Logger) (crypto.PrivKey, error) {
	switch {
	case c.PrivateKey != nil:
		return c.PrivateKey, nil
	case c.IdentityPath != "":
		key, err := LoadOrCreateIdentity(c.IdentityPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load/create identity: %w", err)
		}
		logger.Info("Loaded persistent identity",
			zap.String("peerID", IdentityFingerprint(key)),
			zap.String("path", c.IdentityPath))
		return key, nil
	default:
		key, err := GenerateIdentity()
		if err != nil {
			return nil, err
		}
		logger.Debug("Generated ephemeral identity (not persisted)")
		return key, nil
	}
}

// bootstrap connects to bootstrap peers and initializes the DHT
func (n *Node) bootstrap(ctx context.Context, bootstrapPeers []string) {
	defer close(n.bootstrapDone)

	n.logger.Info("Starting DHT bootstrap", zap.Int("bootstrapPeers", len(bootstrapPeers)))

	var wg sync.WaitGroup
	for _, addr := range bootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			n.logger.Warn("Invalid bootstrap address", zap.String("addr", sanitize.String(addr)), zap.Error(err))
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.logger.Warn("Failed to parse bootstrap peer", zap.Error(err))
			continue
		}

		wg.Add(1)
		go func(pi *peer.AddrInfo) {
			defer wg.Done()
			connectCtx, cancel := context.WithTimeout(ctx, n.cfg.StreamTimeout)
			defer cancel()
			if err := n.host.Connect(connectCtx, *pi); err != nil {
				n.logger.Debug("Failed to connect to bootstrap peer",
					zap.String("peer", pi.ID.String()),
					zap.Error(err))
				return
			}
			n.logger.Debug("Connected to bootstrap peer", zap.String("peer", pi.ID.String()))
		}(pi)
	}
	wg.Wait()

	if err := n.dht.Bootstrap(ctx); err != nil {
		n.logger.Error("DHT bootstrap failed", zap.Error(err))
		return
	}
	n.logger.Info("DHT bootstrap complete",
		zap.Int("routingTableSize", n.RoutingTableSize()))
}

// WaitForBootstrap blocks until DHT bootstrap is complete or ctx is done.
func (n *Node) WaitForBootstrap(ctx context.Context) error {
	select {
	case <-n.bootstrapDone:
		return nil
	default:
	}
	select {
	case <-n.bootstrapDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func namespace(key dht.Key) string {
	return NamespacePresence + key.String()
}

// Get finds providers of key and fetches their values.
func (n *Node) Get(key dht.Key, opts dht.GetOptions, done func(dht.GetResult)) {
	n.lc.Go(func(ctx context.Context) {
		done(n.get(ctx, key, opts))
	})
}

func (n *Node) get(ctx context.Context, key dht.Key, opts dht.GetOptions) dht.GetResult {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = n.cfg.PutTimeout
	}
	want := opts.Want
	if want <= 0 {
		want = 20
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peerCh, err := n.routingDiscovery.FindPeers(ctx, namespace(key), discovery.Limit(n.cfg.DiversifyThreshold))
	if err != nil {
		return dht.GetResult{Err: fmt.Errorf("failed to find providers: %w", err)}
	}

	var (
		mu        sync.Mutex
		values    []dht.Value
		wg        sync.WaitGroup
		providers int
	)
	sem := make(chan struct{}, n.cfg.FetchConcurrency)

	for p := range peerCh {
		if p.ID == n.host.ID() {
			continue
		}
		providers++

		mu.Lock()
		full := len(values) >= want
		mu.Unlock()
		if full {
			continue
		}

		if !n.cfg.Filter.AllowPrivate {
			p.Addrs = security.FilterBlockedAddrs(p.Addrs)
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}
		wg.Add(1)
		go func(p peer.AddrInfo) {
			defer wg.Done()
			defer func() { <-sem }()
			v, err := n.fetch(ctx, p, key, opts.Flags)
			if err != nil {
				n.logger.Debug("Failed to fetch presence value",
					zap.String("peer", p.ID.String()),
					zap.Error(err))
				return
			}
			if v == nil {
				return
			}
			mu.Lock()
			if len(values) < want {
				values = append(values, *v)
			}
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	res := dht.GetResult{Values: values}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	if providers >= n.cfg.DiversifyThreshold {
		n.diversified.Add(key, n.clock.Now())
	}
	res.Diversified = n.IsDiversified(key)
	return res
}

// fetch asks one provider for its value under key. A nil value means the
// provider no longer holds one (or withheld it for FlagNoSeeds).
func (n *Node) fetch(ctx context.Context, p peer.AddrInfo, key dht.Key, flags dht.Flags) (*dht.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.StreamTimeout)
	defer cancel()

	if n.host.Network().Connectedness(p.ID) != network.Connected {
		if err := n.host.Connect(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to connect to provider: %w", err)
		}
	}

	stream, err := n.host.NewStream(ctx, p.ID, protocol.ID(ProtocolPresence))
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetDeadline(deadline)
	}

	req := make([]byte, 0, 1+dht.KeySize)
	req = append(req, byte(flags))
	req = append(req, key[:]...)
	if _, err := stream.Write(req); err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	var sizeBuf [2]byte
	if _, err := io.ReadFull(stream, sizeBuf[:]); err != nil {
		return nil, fmt.Errorf("failed to read size: %w", err)
	}
	size := binary.BigEndian.Uint16(sizeBuf[:])
	if size == 0 {
		return nil, nil
	}
	if size > MaxValueSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrValueTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(stream, data); err != nil {
		return nil, fmt.Errorf("failed to read value: %w", err)
	}

	origin, ok := security.EndpointFromMultiaddr(stream.Conn().RemoteMultiaddr())
	if !ok {
		return nil, fmt.Errorf("provider address has no IP endpoint")
	}
	return &dht.Value{Origin: origin, Data: data}, nil
}

// handlePresenceStream serves one request: a flags byte and a key,
// answered with a length-prefixed value (length 0 when nothing is held).
func (n *Node) handlePresenceStream(stream network.Stream) {
	defer stream.Close()

	if err := stream.SetDeadline(n.clock.Now().Add(n.cfg.StreamTimeout)); err != nil {
		n.logger.Warn("Failed to set stream deadline, rejecting request", zap.Error(err))
		return
	}

	var req [1 + dht.KeySize]byte
	if _, err := io.ReadFull(stream, req[:]); err != nil {
		return
	}
	flags := dht.Flags(req[0])
	var key dht.Key
	copy(key[:], req[1:])

	n.mu.RLock()
	lv, ok := n.local[key]
	n.mu.RUnlock()

	var data []byte
	if ok && !(flags&dht.FlagNoSeeds != 0 && lv.flags&dht.FlagSeeding != 0) {
		data = lv.data
	}

	resp := binary.BigEndian.AppendUint16(make([]byte, 0, 2+len(data)), uint16(len(data)))
	resp = append(resp, data...)
	_, _ = stream.Write(resp)
}

// Put records value locally and advertises this node as its provider.
func (n *Node) Put(key dht.Key, value []byte, flags dht.Flags, done func(dht.PutResult)) {
	if len(value) > MaxValueSize {
		done(dht.PutResult{Err: fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value))})
		return
	}
	n.mu.Lock()
	n.local[key] = localValue{data: bytes.Clone(value), flags: flags}
	n.mu.Unlock()

	n.lc.Go(func(ctx context.Context) {
		done(n.advertise(ctx, key))
	})
}

func (n *Node) advertise(ctx context.Context, key dht.Key) dht.PutResult {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.PutTimeout)
	defer cancel()

	if _, err := n.routingDiscovery.Advertise(ctx, namespace(key)); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return dht.PutResult{TimedOut: true}
		}
		return dht.PutResult{Err: fmt.Errorf("failed to advertise: %w", err)}
	}
	n.logger.Debug("Advertised presence", zap.String("key", sanitize.Hash(key[:])))
	return dht.PutResult{Diversified: n.IsDiversified(key)}
}

// Remove stops serving the local value. Provider records already in the
// DHT expire on their own; until then they lead to an empty answer.
func (n *Node) Remove(key dht.Key, done func(dht.RemoveResult)) {
	n.mu.Lock()
	delete(n.local, key)
	n.mu.Unlock()
	done(dht.RemoveResult{})
}

// HasLocalKey reports whether a value is held for key
func (n *Node) HasLocalKey(key dht.Key) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.local[key]
	return ok
}

// LocalValue returns a copy of the value held for key
func (n *Node) LocalValue(key dht.Key) []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	lv, ok := n.local[key]
	if !ok {
		return nil
	}
	return bytes.Clone(lv.data)
}

// IsSleeping reports whether the routing table is too thin to use
func (n *Node) IsSleeping() bool {
	return n.monitor.IsSleeping()
}

// IsDiversified reports whether key recently had an excess of providers
func (n *Node) IsDiversified(key dht.Key) bool {
	at, ok := n.diversified.Get(key)
	if !ok {
		return false
	}
	if n.clock.Since(at) >= n.cfg.DiversifyTTL {
		n.diversified.Remove(key)
		return false
	}
	return true
}

// republish refreshes provider records for every held value
func (n *Node) republish() {
	n.mu.RLock()
	keys := make([]dht.Key, 0, len(n.local))
	for k := range n.local {
		keys = append(keys, k)
	}
	n.mu.RUnlock()

	failed := 0
	for _, k := range keys {
		if res := n.advertise(n.lc.Context(), k); res.Err != nil || res.TimedOut {
			failed++
		}
	}
	n.logger.Debug("Republished presence values",
		zap.Int("keys", len(keys)),
		zap.Int("failed", failed))
}

// Getters for node information

func (n *Node) PeerID() peer.ID                { return n.host.ID() }
func (n *Node) Addrs() []multiaddr.Multiaddr   { return n.host.Addrs() }
func (n *Node) ConnectedPeers() int            { return len(n.host.Network().Peers()) }
func (n *Node) RoutingTableSize() int          { return n.dht.RoutingTable().Size() }
func (n *Node) Monitor() *connectivity.Monitor { return n.monitor }
func (n *Node) Gater() *Gater                  { return n.gater }
func (n *Node) Host() host.Host                { return n.host }

// LocalKeys returns the number of values held
func (n *Node) LocalKeys() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.local)
}

// Close shuts down the P2P node
func (n *Node) Close() error {
	n.lc.Stop()
	if err := n.dht.Close(); err != nil {
		n.logger.Warn("Failed to close DHT", zap.Error(err))
	}
	return n.host.Close()
}
