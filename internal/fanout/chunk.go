package fanout

import "unicode/utf8"

// DefaultChunkSize is the per-message text limit in runes.
const DefaultChunkSize = 2000

// Chunk splits text into pieces of at most limit runes. It cuts on rune
// boundaries only, never on words, and concatenating the result gives back
// text exactly. Empty text yields no chunks.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 {
		limit = DefaultChunkSize
	}
	out := make([]string, 0, utf8.RuneCountInString(text)/limit+1)
	start, n := 0, 0
	for i := range text {
		if n == limit {
			out = append(out, text[start:i])
			start, n = i, 0
		}
		n++
	}
	return append(out, text[start:])
}
