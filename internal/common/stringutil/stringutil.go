// Package stringutil holds small string helpers shared across packages.
package stringutil

import "unicode/utf8"

// Truncate cuts s to at most max runes. Cutting on runes rather than
// bytes keeps multibyte input intact.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

// Ellipsize shortens s to at most max runes, marking the cut with "...".
// Budgets too small to fit the marker fall back to a hard cut.
func Ellipsize(s string, max int) string {
	if max < 4 {
		return Truncate(s, max)
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max-3]) + "..."
}
