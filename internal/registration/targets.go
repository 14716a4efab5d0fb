package registration

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"

	"github.com/debswarm/trackerless/internal/dht"
	"github.com/debswarm/trackerless/internal/torrent"
)

// FullTarget is the content hash itself.
func FullTarget(h torrent.InfoHash) Target {
	return Target{Hash: dht.Key(h), Kind: KindFull, Desc: "content"}
}

// DerivedTargets returns up to max auxiliary keys for h, one per distinct
// tracker host, so clients sharing a tracker find each other without
// loading the content key. A download without tracker hosts gets a single
// host-less key.
func DerivedTargets(h torrent.InfoHash, trackerHosts []string, max int) []Target {
	if max <= 0 {
		max = 1
	}
	hexHash := hex.EncodeToString(h[:])

	seen := make(map[string]bool)
	var out []Target
	for _, host := range trackerHosts {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true
		out = append(out, derivedTarget(host, hexHash))
		if len(out) == max {
			break
		}
	}
	if len(out) == 0 {
		out = append(out, derivedTarget("", hexHash))
	}
	return out
}

func derivedTarget(host, hexHash string) Target {
	sum := sha1.Sum([]byte("derived:" + host + ":" + hexHash))
	desc := "derived"
	if host != "" {
		desc = "derived:" + host
	}
	return Target{Hash: dht.Key(sum), Kind: KindDerived, Desc: desc}
}

// TargetsFor builds the target set of a decision.
func TargetsFor(dl torrent.Download, kind Kind, maxDerived int) []Target {
	switch kind {
	case KindFull:
		return []Target{FullTarget(dl.InfoHash())}
	case KindDerived:
		return DerivedTargets(dl.InfoHash(), dl.TrackerHosts(), maxDerived)
	default:
		return nil
	}
}
