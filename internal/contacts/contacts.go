// Package contacts loads and remembers alternate-network DHT contacts used
// to seed lookups.
package contacts

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"net/netip"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"
)

// DefaultCapacity bounds the number of remembered contacts.
const DefaultCapacity = 512

// Load reads a contact list: one host:port per line, blank lines and
// lines starting with '#' ignored. Files ending in .gz or .xz are
// decompressed. Unparseable lines are skipped and counted.
func Load(path string) ([]netip.AddrPort, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	var reader io.Reader = f

	if strings.HasSuffix(path, ".gz") {
		gzReader, err := gzip.NewReader(f)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		defer gzReader.Close()
		reader = gzReader
	} else if strings.HasSuffix(path, ".xz") {
		xzReader, err := xz.NewReader(f)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create xz reader: %w", err)
		}
		reader = xzReader
	}

	return parse(reader)
}

func parse(r io.Reader) ([]netip.AddrPort, int, error) {
	var out []netip.AddrPort
	skipped := 0
	seen := make(map[netip.AddrPort]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ap, err := netip.ParseAddrPort(line)
		if err != nil || ap.Port() == 0 {
			skipped++
			continue
		}
		ap = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
		if _, dup := seen[ap]; dup {
			continue
		}
		seen[ap] = struct{}{}
		out = append(out, ap)
	}
	if err := scanner.Err(); err != nil {
		return nil, skipped, fmt.Errorf("failed to read contacts: %w", err)
	}
	return out, skipped, nil
}

// Book remembers the most recently confirmed contacts, bounded by an LRU.
type Book struct {
	mu     sync.Mutex
	cache  *lru.Cache[netip.AddrPort, struct{}]
	logger *zap.Logger
}

// NewBook creates a book holding up to capacity contacts.
func NewBook(capacity int, logger *zap.Logger) (*Book, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, err := lru.New[netip.AddrPort, struct{}](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create contact cache: %w", err)
	}
	return &Book{cache: cache, logger: logger.Named("contacts")}, nil
}

// LoadFile adds the contacts of a file to the book.
func (b *Book) LoadFile(path string) error {
	addrs, skipped, err := Load(path)
	if err != nil {
		return err
	}
	b.Add(addrs...)
	b.logger.Info("Loaded contacts",
		zap.String("path", path),
		zap.Int("count", len(addrs)),
		zap.Int("skipped", skipped))
	return nil
}

// Add records contacts as most recently seen.
func (b *Book) Add(addrs ...netip.AddrPort) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ap := range addrs {
		if !ap.IsValid() || ap.Port() == 0 {
			continue
		}
		b.cache.Add(netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), struct{}{})
	}
}

// Contacts returns up to n contacts, most recently seen first.
func (b *Book) Contacts(n int) []netip.AddrPort {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := b.cache.Keys()
	out := make([]netip.AddrPort, 0, min(n, len(keys)))
	for i := len(keys) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, keys[i])
	}
	return out
}

// Len returns the number of remembered contacts.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cache.Len()
}

// Save writes the book as a plain contact list, most recent first.
func (b *Book) Save(path string) error {
	contacts := b.Contacts(b.Len())
	var sb strings.Builder
	for _, ap := range contacts {
		sb.WriteString(ap.String())
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write contacts: %w", err)
	}
	return nil
}
