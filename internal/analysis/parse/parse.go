// Package parse extracts structured JSON from free-form model output.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when the text holds no bracketed value.
var ErrNoJSON = errors.New("no JSON value found")

// Parse returns the JSON value in text. It tries the whole trimmed text
// (without a surrounding code fence) first, then the span from the first
// opening bracket to its last matching closer.
func Parse(text string) (json.RawMessage, error) {
	cleaned := stripFence(strings.TrimSpace(text))
	if cleaned == "" {
		return nil, errors.New("empty text")
	}

	firstErr := tryValue(cleaned)
	if firstErr == nil {
		return json.RawMessage(cleaned), nil
	}

	span, ok := bracketSpan(cleaned)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrNoJSON, firstErr)
	}
	if err := tryValue(span); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return json.RawMessage(span), nil
}

// stripFence removes a ``` or ```json wrapper.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	lines = lines[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// bracketSpan returns text from the first '{' or '[' to the last occurrence
// of its matching closer.
func bracketSpan(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	closer := "}"
	if s[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", false
	}
	return s[start : end+1], true
}

func tryValue(s string) error {
	var v any
	return json.Unmarshal([]byte(s), &v)
}
