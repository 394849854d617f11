package search

import "unicode/utf8"

// Snippet returns the leading portion of content as a string, at most
// maxBytes long, never splitting a multi-byte rune.
func Snippet(content []byte, maxBytes int) string {
	if len(content) <= maxBytes {
		return string(content)
	}

	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return string(content[:cut])
}
