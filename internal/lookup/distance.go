package lookup

import (
	"bytes"

	"github.com/debswarm/trackerless/internal/krpc"
)

// Distance is the XOR of a node id and a lookup target, read as a
// big-endian 160 bit integer.
type Distance [krpc.NodeIDSize]byte

// farthest orders contacts with unknown ids behind every known node.
var farthest = func() Distance {
	var d Distance
	for i := range d {
		d[i] = 0xff
	}
	return d
}()

// XOR returns the distance between a and b.
func XOR(a, b krpc.NodeID) Distance {
	var d Distance
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether d is strictly closer than o.
func (d Distance) Less(o Distance) bool {
	return bytes.Compare(d[:], o[:]) < 0
}
