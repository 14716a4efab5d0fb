// Package registration decides, per download, whether and how presence
// is published to the DHT, and owns the shared registration state the
// announce scheduler works from.
package registration

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/debswarm/trackerless/internal/dht"
)

// Kind is the registration level of a download. Kinds are ordered: a
// larger kind is a stronger registration.
type Kind int

const (
	KindNone Kind = iota
	KindDerived
	KindFull
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDerived:
		return "derived"
	case KindFull:
		return "full"
	default:
		return "unknown"
	}
}

// Target is one DHT key a download announces under.
type Target struct {
	Hash dht.Key
	Kind Kind
	Desc string
}

// Decision is the outcome of evaluating a download.
type Decision struct {
	Kind   Kind
	Reason string
}

// PutDetails is what a put publishes. Two details are equal when their
// endpoints match; flag differences alone never cause a republish.
type PutDetails struct {
	Value      []byte
	IPOverride netip.Addr
	TCPPort    uint16
	UDPPort    uint16
	AltNetwork bool
}

// Equal compares the advertised endpoint only.
func (p PutDetails) Equal(o PutDetails) bool {
	return p.IPOverride == o.IPOverride && p.TCPPort == o.TCPPort && p.UDPPort == o.UDPPort
}

// Registration is the registration intent of one download.
type Registration struct {
	Kind    Kind
	Targets []Target
	Put     PutDetails
	Flags   dht.Flags
}

// HasFull reports whether any target is the content hash itself.
func (r Registration) HasFull() bool {
	for _, t := range r.Targets {
		if t.Kind == KindFull {
			return true
		}
	}
	return false
}

func (r Registration) clone() Registration {
	out := r
	out.Targets = append([]Target(nil), r.Targets...)
	out.Put.Value = bytes.Clone(r.Put.Value)
	return out
}

// RunStats is the swarm view built from DHT gets.
type RunStats struct {
	Seeds    int
	Leechers int
	Peers    int
	// Updated is wall-clock time, for display only.
	Updated time.Time
}

// Merge returns the element-wise max of s and o, so interleaved Full and
// Derived results never lower each other.
func (s RunStats) Merge(o RunStats) RunStats {
	out := s
	out.Seeds = max(s.Seeds, o.Seeds)
	out.Leechers = max(s.Leechers, o.Leechers)
	out.Peers = max(s.Peers, o.Peers)
	if o.Updated.After(s.Updated) {
		out.Updated = o.Updated
	}
	return out
}
