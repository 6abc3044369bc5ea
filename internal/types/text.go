package types

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Ellipsis marks text that was cut by Truncate.
const Ellipsis = "…"

// NormalizeText case-folds, strips punctuation and collapses whitespace.
func NormalizeText(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

// Truncate cuts s to at most max runes, the last of which is Ellipsis.
// A non-positive max disables truncation.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + Ellipsis
}
