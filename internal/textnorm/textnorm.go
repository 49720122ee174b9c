// Package textnorm folds half-width text to the full-width forms the
// registry writes addresses and names in.
//
// Users type "4丁目" or "ABC商事"; the registry stores "４丁目" and
// "ＡＢＣ商事". Both sides of every comparison go through Widen so a
// substring match does not depend on which width the user happened to type.
package textnorm

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Widen maps half-width digits, Latin letters, ASCII symbols and half-width
// katakana to their full-width equivalents. Case is preserved and every other
// rune passes through unchanged, so the result has the same number of runes
// as s. Widen is idempotent.
func Widen(s string) string {
	if isWide(s) {
		return s
	}
	return width.Widen.String(s)
}

// isWide reports whether s has nothing for Widen to do, which is the common
// case for upstream data and lets the index build skip the transformer.
func isWide(s string) bool {
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		switch width.LookupRune(r).Kind() {
		case width.EastAsianNarrow, width.EastAsianHalfwidth:
			return false
		}
		i += size
	}
	return true
}

// Query prepares user input for matching: surrounding white space (ASCII or
// ideographic) is trimmed and the rest is widened.
func Query(s string) string {
	return Widen(strings.TrimSpace(s))
}
