// Package ilp defines the Interledger packet types, the error taxonomy and
// the binary codec used on the wire between connector peers.
package ilp

import "strings"

// Address is a hierarchical ILP address: lowercase dotted segments,
// e.g. "g.acme.receiver". Addresses are plain strings so they can be used
// as map keys without conversion.
type Address = string

// MaxAddressLen bounds the encoded address length.
const MaxAddressLen = 1023

// ValidAddress reports whether s is a well-formed ILP address: it must
// match [a-z0-9][a-z0-9._~-]* and consist of one or more non-empty
// dot-separated segments.
func ValidAddress(s string) bool {
	if s == "" || len(s) > MaxAddressLen {
		return false
	}
	c := s[0]
	if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9') {
		return false
	}
	prevDot := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '_', c == '~', c == '-':
			prevDot = false
		case c == '.':
			if prevDot || i == 0 {
				return false // empty segment
			}
			prevDot = true
		default:
			return false
		}
	}
	return !prevDot // no trailing dot
}

// PrefixMatches reports whether destination dst falls under the routing
// prefix: dst == prefix, or dst starts with prefix followed by a dot.
func PrefixMatches(prefix, dst Address) bool {
	if dst == prefix {
		return true
	}
	return len(dst) > len(prefix) && dst[len(prefix)] == '.' && strings.HasPrefix(dst, prefix)
}
