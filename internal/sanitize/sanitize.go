// Package sanitize renders remote-supplied data safely for logging.
// KRPC error messages, node ids and DHT values all come from untrusted
// peers and must not be able to inject log lines.
package sanitize

import (
	"encoding/hex"
	"net/netip"
	"strings"
	"unicode"
)

const (
	// MaxLogStringLength is the maximum length for logged strings.
	// Longer strings are truncated with "..." suffix.
	MaxLogStringLength = 200

	// hashPrefixBytes is how much of a hash is shown in logs.
	hashPrefixBytes = 8
)

// String escapes control characters and truncates long strings.
func String(s string) string {
	if len(s) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(min(len(s)+16, MaxLogStringLength+16))

	for i, r := range s {
		if i >= MaxLogStringLength {
			b.WriteString("...")
			break
		}

		switch r {
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		case '\\':
			b.WriteString("\\\\")
		default:
			if unicode.IsControl(r) || r == unicode.ReplacementChar {
				b.WriteString("\\x")
				b.WriteByte(hexChar(byte(r) >> 4))
				b.WriteByte(hexChar(byte(r) & 0x0f))
			} else {
				b.WriteRune(r)
			}
		}
	}

	return b.String()
}

// Hash renders the first bytes of a hash or node id as hex.
func Hash(b []byte) string {
	if len(b) <= hashPrefixBytes {
		return hex.EncodeToString(b)
	}
	return hex.EncodeToString(b[:hashPrefixBytes]) + "..."
}

// Addr renders an address, mapping the zero value to "-".
func Addr(ap netip.AddrPort) string {
	if !ap.IsValid() {
		return "-"
	}
	return ap.String()
}

// Error sanitizes an error message for safe logging.
func Error(err error) string {
	if err == nil {
		return ""
	}
	return String(err.Error())
}

func hexChar(b byte) byte {
	if b < 10 {
		return '0' + b
	}
	return 'a' + b - 10
}
