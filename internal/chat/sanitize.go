package chat

import (
	"strings"
	"unicode"
)

// keptPunct is the fixed set of common punctuation always preserved in
// sanitized input, independent of unicode category handling.
const keptPunct = `.,!?;:()-'"@/+=%`

// Sanitize strips characters outside an allow-list of letter, number,
// punctuation, space and symbol categories and collapses repeated
// whitespace. This defends the provider prompt against control-character
// and encoding-abuse input.
func Sanitize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	space := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if !allowedRune(r) {
			continue
		}
		if space && b.Len() > 0 {
			b.WriteByte(' ')
		}
		space = false
		b.WriteRune(r)
	}
	return b.String()
}

func allowedRune(r rune) bool {
	if strings.ContainsRune(keptPunct, r) {
		return true
	}
	if unicode.IsControl(r) {
		return false
	}
	return unicode.IsLetter(r) || unicode.IsNumber(r) ||
		unicode.IsPunct(r) || unicode.IsSymbol(r)
}
