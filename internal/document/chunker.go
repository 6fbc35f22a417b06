// Package document splits uploaded text into overlapping chunks for
// independent embedding, and reconstructs the original text from stored
// chunks for preview.
package document

import "strings"

const (
	// MaxChunkSize bounds each chunk, in runes.
	MaxChunkSize = 2000
	// Overlap is the tail of the previous chunk copied to the head of the
	// next, so no semantic unit is lost at a boundary when chunks are
	// searched independently.
	Overlap = 400
	// overlapSearchWindow bounds the suffix/prefix scan during
	// reconstruction, keeping it O(n) in practice.
	overlapSearchWindow = 500
)

// Chunk splits fullText into ordered chunks of at most MaxChunkSize runes.
// Every chunk after the first begins with the previous chunk's Overlap-rune
// tail. Empty input yields nil.
func Chunk(fullText string) []string {
	if fullText == "" {
		return nil
	}
	runes := []rune(fullText)
	if len(runes) <= MaxChunkSize {
		return []string{fullText}
	}

	chunks := []string{string(runes[:MaxChunkSize])}
	pos := MaxChunkSize
	for pos < len(runes) {
		start := pos - Overlap
		end := pos + MaxChunkSize - Overlap
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		pos = end
	}
	return chunks
}

// Reconstruct rebuilds the original text from ordered chunk texts by
// stripping the overlap each chunk shares with its predecessor: the longest
// suffix of the text so far that is also a prefix of the current chunk,
// scanned within a bounded window. Best-effort inverse: when the overlap
// does not literally recur (upstream mutation), zero overlap is assumed and
// the chunks are concatenated with possible duplication. Never fails.
func Reconstruct(orderedChunkTexts []string) string {
	if len(orderedChunkTexts) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(orderedChunkTexts[0])
	prev := []rune(orderedChunkTexts[0])

	for _, text := range orderedChunkTexts[1:] {
		curr := []rune(text)
		overlap := overlapLength(prev, curr)
		sb.WriteString(string(curr[overlap:]))
		prev = curr
	}
	return sb.String()
}

// overlapLength returns the length in runes of the longest suffix of prev
// that is a prefix of curr, at most overlapSearchWindow.
func overlapLength(prev, curr []rune) int {
	maxCheck := len(prev)
	if len(curr) < maxCheck {
		maxCheck = len(curr)
	}
	if maxCheck > overlapSearchWindow {
		maxCheck = overlapSearchWindow
	}

	overlap := 0
	for n := 1; n <= maxCheck; n++ {
		if string(prev[len(prev)-n:]) == string(curr[:n]) {
			overlap = n
		}
	}
	return overlap
}
