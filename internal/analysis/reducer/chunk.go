package reducer

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/vietddude/chatdigest/internal/analysis/batch"
)

// Budget bounds one reduce chunk.
type Budget struct {
	MaxChars  int
	MaxTokens int
	MaxItems  int
}

// Chunk splits items greedily in order. A budget overflow closes a chunk only
// once it holds two items, so every round with more than one item shrinks.
func Chunk(items []json.RawMessage, b Budget) [][]json.RawMessage {
	var (
		chunks [][]json.RawMessage
		cur    []json.RawMessage
		chars  int
		tokens int
	)
	if b.MaxItems > 0 && b.MaxItems < 2 {
		b.MaxItems = 2
	}
	for _, item := range items {
		n := utf8.RuneCount(item)
		t := batch.EstimateTokens(n)

		overflow := (b.MaxChars > 0 && chars+n > b.MaxChars) ||
			(b.MaxTokens > 0 && tokens+t > b.MaxTokens)
		full := b.MaxItems > 0 && len(cur) >= b.MaxItems
		if full || (overflow && len(cur) >= 2) {
			chunks = append(chunks, cur)
			cur, chars, tokens = nil, 0, 0
		}

		cur = append(cur, item)
		chars += n
		tokens += t
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}
