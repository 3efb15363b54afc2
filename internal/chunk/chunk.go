// Package chunk splits document text into overlapping windows for retrieval
// scoring.
package chunk

import "strings"

const (
	// DefaultSize is the target chunk length in characters.
	DefaultSize = 500
	// DefaultOverlap is how many characters consecutive chunks share.
	DefaultOverlap = 50
)

// Chunk is one window of a document's text.
type Chunk struct {
	Text  string
	Start int // rune offset into the source text
}

// Split cuts text into chunks of roughly size runes with the given overlap,
// preferring to break at a word boundary near the cut point. Text shorter
// than size yields a single chunk. Empty or whitespace-only text yields nil.
func Split(text string, size, overlap int) []Chunk {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if size <= 0 {
		size = DefaultSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultOverlap
	}

	runes := []rune(text)
	if len(runes) <= size {
		return []Chunk{{Text: text, Start: 0}}
	}

	var chunks []Chunk
	start := 0
	for start < len(runes) {
		end := start + size
		if end >= len(runes) {
			chunks = append(chunks, Chunk{Text: string(runes[start:]), Start: start})
			break
		}

		cut := wordBoundary(runes, end, size)
		chunks = append(chunks, Chunk{Text: string(runes[start:cut]), Start: start})

		next := cut - overlap
		if next <= start {
			// Overlap would stall the walk on pathological input.
			next = cut
		}
		start = next
	}
	return chunks
}

// wordBoundary walks back from end looking for whitespace to break on.
// The search covers the last half of the chunk; if no whitespace exists
// there, it splits at end.
func wordBoundary(runes []rune, end, size int) int {
	limit := end - size/2
	if limit < 0 {
		limit = 0
	}
	for i := end; i > limit; i-- {
		if isSpace(runes[i-1]) {
			return i
		}
	}
	return end
}

func isSpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\r':
		return true
	}
	return false
}
