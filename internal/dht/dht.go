// Package dht defines the boundary between the trackerless engine and the
// key/value DHT it publishes presence into.
//
// All operations are asynchronous. Completion callbacks may run on any
// goroutine, including synchronously from inside the call, and must not
// block; callers never hold their own locks across a Service call.
package dht

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// KeySize is the length of a DHT key in bytes.
const KeySize = 20

// ErrKeySize is returned when a key of the wrong length is parsed.
var ErrKeySize = errors.New("dht key must be 20 bytes")

// Key identifies a value set in the DHT.
type Key [KeySize]byte

// KeyFromBytes copies a 20 byte slice into a Key.
func KeyFromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != KeySize {
		return k, fmt.Errorf("%w: got %d", ErrKeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// ParseKey parses a 40 character hex key.
func ParseKey(s string) (Key, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Key{}, fmt.Errorf("invalid hex key: %w", err)
	}
	return KeyFromBytes(b)
}

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Flags qualify puts and gets.
type Flags uint8

const (
	// FlagDownloading marks the publisher as still downloading.
	FlagDownloading Flags = 1 << iota
	// FlagSeeding marks the publisher as a seed.
	FlagSeeding
	// FlagStats asks for aggregate counts rather than a peer list.
	FlagStats
	// FlagHighPriority bypasses any low-priority queueing in the service.
	FlagHighPriority
	// FlagNoSeeds asks remote nodes to omit seeds from results.
	FlagNoSeeds
)

// Value is a single value read during a get.
type Value struct {
	Origin netip.AddrPort
	Data   []byte
}

// GetOptions controls a get.
type GetOptions struct {
	Want    int
	Timeout time.Duration
	Flags   Flags
}

// GetResult is delivered once when a get completes.
type GetResult struct {
	Values      []Value
	Diversified bool
	TimedOut    bool
	Err         error
}

// PutResult is delivered once when a put completes.
type PutResult struct {
	Diversified bool
	TimedOut    bool
	Err         error
}

// RemoveResult is delivered once when a remove completes.
type RemoveResult struct {
	TimedOut bool
	Err      error
}

// Service is the DHT storage and lookup primitive.
type Service interface {
	Get(key Key, opts GetOptions, done func(GetResult))
	// Put stores value under key. Implementations record the value locally
	// before returning so HasLocalKey reflects the put immediately.
	Put(key Key, value []byte, flags Flags, done func(PutResult))
	Remove(key Key, done func(RemoveResult))
	HasLocalKey(key Key) bool
	LocalValue(key Key) []byte
	IsSleeping() bool
	IsDiversified(key Key) bool
}
