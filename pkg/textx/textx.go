// Package textx holds the text sanitation helpers used when rendering
// device-reported strings into CSV report cells.
package textx

import "strings"

// SanitizeText drops control characters other than tab, newline and
// carriage return, then trims surrounding whitespace.
func SanitizeText(s string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
			return r
		case r < 32 || r == 127:
			return -1
		default:
			return r
		}
	}, s)
	return strings.TrimSpace(clean)
}

// SanitizeCSVField prepares a free-text value for a CSV cell: control
// characters are stripped and values that spreadsheet software would
// interpret as formulas get a leading apostrophe.
func SanitizeCSVField(s string) string {
	s = SanitizeText(s)
	if s == "" {
		return s
	}
	switch s[0] {
	case '=', '+', '-', '@':
		return "'" + s
	}
	return s
}
