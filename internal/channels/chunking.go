package channels

import "strings"

// SmartChunk splits content at the latest natural boundary within
// [L/2, L]: prefer "\n", then ". ", then " ", then a hard cut at L. Chunks
// are emitted in order; callers attach interactive components to the last
// chunk only.
//
// Invariant (testable property 8): concatenation of produced chunks equals
// the input modulo whitespace trimmed at split points, and every chunk's
// length is <= L.
func SmartChunk(content string, limit int) []string {
	if limit <= 0 {
		return []string{content}
	}
	var chunks []string
	remaining := content

	for len(remaining) > limit {
		cut := findSplitPoint(remaining, limit)
		chunk := strings.TrimRight(remaining[:cut], " \n")
		if chunk == "" {
			chunk = remaining[:limit]
			cut = limit
		}
		chunks = append(chunks, chunk)
		remaining = strings.TrimLeft(remaining[cut:], " \n")
	}
	if remaining != "" || len(chunks) == 0 {
		chunks = append(chunks, remaining)
	}
	return chunks
}

// findSplitPoint locates the latest boundary within [limit/2, limit],
// preferring "\n", then ". ", then " ", falling back to a hard cut at limit.
func findSplitPoint(s string, limit int) int {
	if limit >= len(s) {
		return len(s)
	}
	floor := limit / 2
	window := s[:limit]

	if idx := strings.LastIndexByte(window[floor:], '\n'); idx >= 0 {
		return floor + idx + 1
	}
	if idx := strings.LastIndex(window[floor:], ". "); idx >= 0 {
		return floor + idx + 2
	}
	if idx := strings.LastIndexByte(window[floor:], ' '); idx >= 0 {
		return floor + idx + 1
	}
	return limit
}
