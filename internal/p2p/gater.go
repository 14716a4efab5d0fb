package p2p

import (
	"sync"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/debswarm/trackerless/internal/security"
)

// Gater implements connmgr.ConnectionGater. It refuses blocked peer IDs
// and, unless private peers are allowed, connections to or from private
// and loopback addresses. The presence values we read name the address a
// connection came from, so a node reached over a private range could
// steer other peers at internal services.
type Gater struct {
	mu        sync.RWMutex
	blocklist map[peer.ID]struct{}
	filter    security.Filter
}

// NewGater creates a gater blocking the given peers
func NewGater(blocked []peer.ID, filter security.Filter) *Gater {
	g := &Gater{
		blocklist: make(map[peer.ID]struct{}, len(blocked)),
		filter:    filter,
	}
	for _, p := range blocked {
		g.blocklist[p] = struct{}{}
	}
	return g
}

// BlockPeer adds a peer to the blocklist
func (g *Gater) BlockPeer(id peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blocklist[id] = struct{}{}
}

// UnblockPeer removes a peer from the blocklist
func (g *Gater) UnblockPeer(id peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blocklist, id)
}

// BlockedPeers returns all blocked peer IDs
func (g *Gater) BlockedPeers() []peer.ID {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]peer.ID, 0, len(g.blocklist))
	for p := range g.blocklist {
		out = append(out, p)
	}
	return out
}

func (g *Gater) peerAllowed(p peer.ID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, blocked := g.blocklist[p]
	return !blocked
}

// addrAllowed reports whether ma may be dialed or accepted. Addresses
// without an IP component (DNS, relay) are left to later checks.
func (g *Gater) addrAllowed(ma multiaddr.Multiaddr) bool {
	if g.filter.AllowPrivate {
		return true
	}
	ep, ok := security.EndpointFromMultiaddr(ma)
	if !ok {
		return true
	}
	return !security.IsBlockedAddr(ep.Addr())
}

// InterceptPeerDial is called when we're about to dial a peer
func (g *Gater) InterceptPeerDial(p peer.ID) bool {
	return g.peerAllowed(p)
}

// InterceptAddrDial is called when we're about to dial a specific address
func (g *Gater) InterceptAddrDial(id peer.ID, addr multiaddr.Multiaddr) bool {
	return g.addrAllowed(addr) && g.peerAllowed(id)
}

// InterceptAccept is called when we're about to accept an inbound connection
func (g *Gater) InterceptAccept(addrs network.ConnMultiaddrs) bool {
	if addrs == nil {
		return true
	}
	return g.addrAllowed(addrs.RemoteMultiaddr())
}

// InterceptSecured is called after the security handshake completes
func (g *Gater) InterceptSecured(_ network.Direction, id peer.ID, _ network.ConnMultiaddrs) bool {
	return g.peerAllowed(id)
}

// InterceptUpgraded is called after the connection is fully upgraded
func (g *Gater) InterceptUpgraded(conn network.Conn) (bool, control.DisconnectReason) {
	if g.peerAllowed(conn.RemotePeer()) {
		return true, 0
	}
	return false, control.DisconnectReason(0)
}
