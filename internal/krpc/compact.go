package krpc

import (
	"encoding/binary"
	"net/netip"
)

const (
	// CompactPeerSize is an IPv4 peer: 4 byte address + 2 byte port.
	CompactPeerSize = 6
	// CompactPeer6Size is an IPv6 peer: 16 byte address + 2 byte port.
	CompactPeer6Size = 18
	// CompactNodeSize is a node id followed by a compact IPv4 peer.
	CompactNodeSize = NodeIDSize + CompactPeerSize
	// CompactNode6Size is a node id followed by a compact IPv6 peer.
	CompactNode6Size = NodeIDSize + CompactPeer6Size
)

// Node is a DHT contact: id plus UDP endpoint.
type Node struct {
	ID   NodeID
	Addr netip.AddrPort
}

// AppendCompactPeer appends the compact form of ap. IPv4 (including
// IPv4-mapped IPv6) uses 6 bytes, IPv6 18.
func AppendCompactPeer(dst []byte, ap netip.AddrPort) []byte {
	ip := ap.Addr().Unmap()
	dst = append(dst, ip.AsSlice()...)
	return binary.BigEndian.AppendUint16(dst, ap.Port())
}

// ParseCompactPeer decodes a 6 or 18 byte peer blob.
func ParseCompactPeer(b []byte) (netip.AddrPort, bool) {
	switch len(b) {
	case CompactPeerSize, CompactPeer6Size:
	default:
		return netip.AddrPort{}, false
	}
	ipLen := len(b) - 2
	ip, ok := netip.AddrFromSlice(b[:ipLen])
	if !ok {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip, binary.BigEndian.Uint16(b[ipLen:])), true
}

// EncodeNodes concatenates nodes of a single address family. entrySize
// selects the family; nodes of the other family are skipped.
func EncodeNodes(nodes []Node, entrySize int) []byte {
	out := make([]byte, 0, len(nodes)*entrySize)
	for _, n := range nodes {
		is4 := n.Addr.Addr().Unmap().Is4()
		if is4 != (entrySize == CompactNodeSize) {
			continue
		}
		out = append(out, n.ID[:]...)
		out = AppendCompactPeer(out, n.Addr)
	}
	return out
}

// ParseNodes splits a concatenation of entrySize byte node entries.
// A trailing partial entry is dropped.
func ParseNodes(b []byte, entrySize int) []Node {
	n := len(b) / entrySize
	if n == 0 {
		return nil
	}
	nodes := make([]Node, 0, n)
	for i := 0; i < n; i++ {
		entry := b[i*entrySize : (i+1)*entrySize]
		addr, ok := ParseCompactPeer(entry[NodeIDSize:])
		if !ok {
			continue
		}
		var id NodeID
		copy(id[:], entry[:NodeIDSize])
		nodes = append(nodes, Node{ID: id, Addr: addr})
	}
	return nodes
}
