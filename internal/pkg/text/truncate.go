package text

import "unicode/utf8"

// Truncate limits the string to max runes and appends ellipsis when exceeding max.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "..."
}
