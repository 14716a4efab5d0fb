package p2p

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// identityHeader prefixes the hex-encoded key in an identity file
const identityHeader = "/trackerless/identity/1.0.0/ed25519/\n"

// ErrBadIdentity is returned for identity files that cannot be parsed
var ErrBadIdentity = errors.New("invalid identity file")

// LoadOrCreateIdentity loads the node key at path, creating and saving a
// new one when the file does not exist. A stable key keeps the node's
// position in the DHT across restarts.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, error) {
	key, err := LoadIdentity(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key, err = GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create identity directory: %w", err)
	}
	if err := SaveIdentity(key, path); err != nil {
		return nil, err
	}
	return key, nil
}

// GenerateIdentity creates a new Ed25519 key
func GenerateIdentity() (crypto.PrivKey, error) {
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return key, nil
}

// LoadIdentity reads a key written by SaveIdentity
func LoadIdentity(path string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	body, ok := strings.CutPrefix(string(data), identityHeader)
	if !ok {
		return nil, fmt.Errorf("%w: wrong header", ErrBadIdentity)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: bad hex encoding: %v", ErrBadIdentity, err)
	}
	key, err := crypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: bad key data: %v", ErrBadIdentity, err)
	}
	return key, nil
}

// SaveIdentity writes key to path, readable by the owner only
func SaveIdentity(key crypto.PrivKey, path string) error {
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal identity key: %w", err)
	}
	content := identityHeader + hex.EncodeToString(raw) + "\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// IdentityFingerprint returns the peer ID of key, safe to log
func IdentityFingerprint(key crypto.PrivKey) string {
	id, err := peer.IDFromPublicKey(key.GetPublic())
	if err != nil {
		return "unknown"
	}
	return id.String()
}
