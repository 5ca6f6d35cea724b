package util

import (
	"strings"
	"unicode/utf8"
)

// TruncateRunes cuts s to at most limit characters without splitting a
// multi-byte rune.
func TruncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}

	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// Preview returns a one-line excerpt of s for log output.
func Preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return TruncateRunes(s, limit) + "..."
}

// FirstNonEmpty returns the first value that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ParseList splits a comma separated string, dropping blanks and quotes.
func ParseList(s string) []string {
	if s == "" {
		return []string{}
	}

	s = strings.Trim(s, "[]")

	parts := strings.Split(s, ",")
	var items []string
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, "\"'")
		if part != "" {
			items = append(items, part)
		}
	}

	return items
}
