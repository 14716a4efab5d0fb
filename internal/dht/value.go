package dht

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/zeebo/bencode"
)

// ErrInvalidValue is returned for values that cannot describe a peer.
var ErrInvalidValue = errors.New("invalid peer value")

// PeerValue is the presence record published under a target key.
type PeerValue struct {
	TCPPort    uint16
	UDPPort    uint16
	IP         netip.Addr // optional override of the origin address
	Seeding    bool
	AltNetwork bool
	Marker     bool // lightweight presence marker, not an active registration
}

// Encode renders the value as a bencoded dictionary.
func (v PeerValue) Encode() ([]byte, error) {
	d := map[string]interface{}{
		"p": int64(v.TCPPort),
	}
	if v.UDPPort != 0 && v.UDPPort != v.TCPPort {
		d["u"] = int64(v.UDPPort)
	}
	if v.IP.IsValid() {
		d["i"] = string(v.IP.AsSlice())
	}
	if v.Seeding {
		d["s"] = int64(1)
	}
	if v.AltNetwork {
		d["a"] = int64(1)
	}
	if v.Marker {
		d["m"] = int64(1)
	}
	b, err := bencode.EncodeBytes(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode peer value: %w", err)
	}
	return b, nil
}

// DecodePeerValue parses a value read from the DHT. Unknown keys are
// ignored; a missing or out of range TCP port is an error.
func DecodePeerValue(b []byte) (PeerValue, error) {
	var v PeerValue
	d := make(map[string]interface{})
	if err := bencode.DecodeBytes(b, &d); err != nil {
		return v, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	port, ok := d["p"].(int64)
	if !ok || port <= 0 || port > 65535 {
		return v, fmt.Errorf("%w: bad tcp port", ErrInvalidValue)
	}
	v.TCPPort = uint16(port)
	v.UDPPort = v.TCPPort

	if u, ok := d["u"].(int64); ok && u > 0 && u <= 65535 {
		v.UDPPort = uint16(u)
	}
	if ip, ok := d["i"].(string); ok {
		if addr, ok := netip.AddrFromSlice([]byte(ip)); ok {
			v.IP = addr.Unmap()
		}
	}
	v.Seeding = flagSet(d, "s")
	v.AltNetwork = flagSet(d, "a")
	v.Marker = flagSet(d, "m")
	return v, nil
}

// Endpoint returns the TCP endpoint the value advertises, using the
// origin's address unless the value carries an override.
func (v PeerValue) Endpoint(origin netip.AddrPort) netip.AddrPort {
	ip := origin.Addr()
	if v.IP.IsValid() {
		ip = v.IP
	}
	return netip.AddrPortFrom(ip.Unmap(), v.TCPPort)
}

func flagSet(d map[string]interface{}, key string) bool {
	n, ok := d[key].(int64)
	return ok && n != 0
}
