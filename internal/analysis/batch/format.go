package batch

import (
	"strings"
	"unicode/utf8"

	"github.com/vietddude/chatdigest/internal/core/domain"
)

const ellipsis = "…"

// FormatRecord renders a record as one prompt line:
// "[YYYY-MM-DD HH:MM] sender: text". Line breaks in the text collapse to
// spaces and the text is cut to maxChars runes, marked with an ellipsis.
// It returns "" when the text is empty after trimming.
func FormatRecord(r domain.Record, maxChars int) string {
	text := strings.Join(strings.Fields(r.Text), " ")
	if text == "" {
		return ""
	}
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		runes := []rune(text)
		text = strings.TrimSpace(string(runes[:maxChars])) + ellipsis
	}
	return "[" + r.Timestamp.UTC().Format("2006-01-02 15:04") + "] " + r.Sender + ": " + text
}

// LineLength is the length of a formatted line in runes.
func LineLength(line string) int {
	return utf8.RuneCountInString(line)
}

// EstimateTokens is a cheap proxy for the token count of n characters.
func EstimateTokens(n int) int {
	return max(1, n/4)
}
