package torrent

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// fileEntry is one [[torrent]] table of a torrents file.
type fileEntry struct {
	InfoHash      string   `toml:"info_hash"`
	Name          string   `toml:"name"`
	State         string   `toml:"state"`
	Size          int64    `toml:"size"`
	Private       bool     `toml:"private"`
	Decentralized bool     `toml:"decentralized"`
	Trackers      []string `toml:"trackers"`
	PublicNetwork *bool    `toml:"public_network"`
	PeerSource    bool     `toml:"peer_source"`
	Backup        string   `toml:"backup"`
	MetadataOnly  bool     `toml:"metadata_only"`
	LowNoise      bool     `toml:"low_noise"`
}

type torrentsFile struct {
	Torrents []fileEntry `toml:"torrent"`
}

// LoadFile reads a TOML torrents file into Static downloads.
func LoadFile(path string) ([]*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read torrents file: %w", err)
	}
	return Parse(data)
}

// Parse decodes the contents of a torrents file.
func Parse(data []byte) ([]*Static, error) {
	var f torrentsFile
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse torrents file: %w", err)
	}

	seen := make(map[InfoHash]bool, len(f.Torrents))
	out := make([]*Static, 0, len(f.Torrents))
	for i, e := range f.Torrents {
		spec, err := e.spec()
		if err != nil {
			return nil, fmt.Errorf("torrent %d: %w", i, err)
		}
		if seen[spec.InfoHash] {
			return nil, fmt.Errorf("torrent %d: duplicate info_hash %s", i, spec.InfoHash)
		}
		seen[spec.InfoHash] = true
		out = append(out, NewStatic(spec))
	}
	return out, nil
}

func (e fileEntry) spec() (Spec, error) {
	var spec Spec

	raw, err := hex.DecodeString(e.InfoHash)
	if err != nil || len(raw) != len(spec.InfoHash) {
		return spec, fmt.Errorf("invalid info_hash %q", e.InfoHash)
	}
	copy(spec.InfoHash[:], raw)

	spec.State = StateSeeding
	if e.State != "" {
		st, ok := ParseState(e.State)
		if !ok {
			return spec, fmt.Errorf("invalid state %q", e.State)
		}
		spec.State = st
	}

	switch e.Backup {
	case "", "default":
		spec.Backup = BackupDefault
	case "disabled":
		spec.Backup = BackupDisabled
	case "requested":
		spec.Backup = BackupRequested
	default:
		return spec, fmt.Errorf("invalid backup mode %q", e.Backup)
	}

	spec.Name = e.Name
	if spec.Name == "" {
		spec.Name = e.InfoHash
	}
	spec.Size = e.Size
	spec.Private = e.Private
	spec.Decentralized = e.Decentralized || len(e.Trackers) == 0
	spec.Trackers = e.Trackers
	spec.PublicNetwork = e.PublicNetwork == nil || *e.PublicNetwork
	spec.PeerSource = e.PeerSource
	if e.MetadataOnly {
		spec.Flags |= FlagMetadataOnly
	}
	if e.LowNoise {
		spec.Flags |= FlagLowNoise
	}
	return spec, nil
}
