// Package identity validates the opaque player identities used everywhere in
// the server: EVM addresses. Validation happens at the transport boundary so
// the queue and session layers can treat identities as opaque strings.
package identity

import (
	"errors"
	"strings"

	"golang.org/x/crypto/sha3"
)

// ErrInvalid is returned for a malformed player address.
var ErrInvalid = errors.New("invalid player address")

// Valid reports whether s is a well-formed 0x-prefixed EVM address. Mixed
// case addresses must carry a correct EIP-55 checksum; single-case addresses
// carry no checksum and pass on shape alone.
func Valid(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") {
		return false
	}
	hexPart := s[2:]
	hasUpper := false
	hasLower := false
	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
			hasLower = true
		case c >= 'A' && c <= 'F':
			hasUpper = true
		default:
			return false
		}
	}
	if hasUpper && hasLower {
		return checksumValid(hexPart)
	}
	return true
}

// Normalize lowercases a valid address so identity comparisons are
// case-insensitive across the process.
func Normalize(s string) (string, error) {
	if !Valid(s) {
		return "", ErrInvalid
	}
	return strings.ToLower(s), nil
}

func checksumValid(hexPart string) bool {
	lower := strings.ToLower(hexPart)
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(lower))
	sum := h.Sum(nil)

	for i := 0; i < len(hexPart); i++ {
		c := hexPart[i]
		if c >= '0' && c <= '9' {
			continue
		}
		nibble := sum[i/2]
		if i%2 == 0 {
			nibble >>= 4
		} else {
			nibble &= 0x0f
		}
		if nibble >= 8 {
			if c < 'A' || c > 'F' {
				return false
			}
		} else {
			if c < 'a' || c > 'f' {
				return false
			}
		}
	}
	return true
}
