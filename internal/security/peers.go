// Package security filters peer addresses learned from untrusted DHT
// responses before they reach the host.
package security

import (
	"net/netip"
	"strconv"

	"github.com/multiformats/go-multiaddr"
)

var broadcast4 = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// ValidPeer reports whether ap can possibly be a reachable peer.
// Port zero, unspecified, multicast and broadcast addresses never are.
func ValidPeer(ap netip.AddrPort) bool {
	if !ap.IsValid() || ap.Port() == 0 {
		return false
	}
	ip := ap.Addr().Unmap()
	return !ip.IsUnspecified() && !ip.IsMulticast() && ip != broadcast4
}

// IsBlockedAddr reports addresses in loopback, private, link-local or
// unique-local ranges. Remote DHT nodes announcing such addresses are
// either misconfigured or attempting to steer us at internal services.
func IsBlockedAddr(ip netip.Addr) bool {
	ip = ip.Unmap()
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// Filter decides which learned peers are handed to the host.
type Filter struct {
	// AllowPrivate admits private and loopback peers (LAN swarms, tests).
	AllowPrivate bool
}

// Allow reports whether ap passes the filter.
func (f Filter) Allow(ap netip.AddrPort) bool {
	if !ValidPeer(ap) {
		return false
	}
	return f.AllowPrivate || !IsBlockedAddr(ap.Addr())
}

// EndpointFromMultiaddr extracts the IP and TCP (or UDP) port of ma.
func EndpointFromMultiaddr(ma multiaddr.Multiaddr) (netip.AddrPort, bool) {
	if ma == nil {
		return netip.AddrPort{}, false
	}

	var ip netip.Addr
	var port uint16
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6:
			if a, err := netip.ParseAddr(c.Value()); err == nil {
				ip = a.Unmap()
			}
		case multiaddr.P_TCP, multiaddr.P_UDP:
			if p, err := strconv.ParseUint(c.Value(), 10, 16); err == nil {
				port = uint16(p)
			}
			return false
		}
		return true
	})

	if !ip.IsValid() || port == 0 {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, port), true
}

// FilterBlockedAddrs removes multiaddrs whose IP is in a blocked range.
// Addresses without an IP component (DNS) are kept.
func FilterBlockedAddrs(addrs []multiaddr.Multiaddr) []multiaddr.Multiaddr {
	if len(addrs) == 0 {
		return addrs
	}

	filtered := make([]multiaddr.Multiaddr, 0, len(addrs))
	for _, addr := range addrs {
		ep, ok := EndpointFromMultiaddr(addr)
		if ok && IsBlockedAddr(ep.Addr()) {
			continue
		}
		filtered = append(filtered, addr)
	}
	return filtered
}
