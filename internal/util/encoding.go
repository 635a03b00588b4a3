package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CanonicalClaim reports whether s is already in NFKC form with no
// surrounding space. Claim values that are not are lookalikes of some
// other value (full-width letters, trailing newlines) and must not match it.
func CanonicalClaim(s string) bool {
	return strings.TrimSpace(s) == s && norm.NFKC.IsNormalString(s)
}
