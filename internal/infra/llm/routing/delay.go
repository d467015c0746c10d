package routing

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Matches "Please retry in 45.3s", "retryDelay: 12s", `"retryDelay": "30s"`,
// "retry after 2 seconds" and "retry-after: 1500ms".
var retryDelayRegex = regexp.MustCompile(
	`(?i)(?:please retry in|retry_?delay"?\s*[:=]?\s*"?|retry[- ]after:?)\s*(\d+(?:\.\d+)?)\s*(ms|s|sec|secs|seconds?)?\b`,
)

// ExtractRetryDelay parses a server-suggested retry delay out of an error
// message. It returns 0 when the message carries none.
func ExtractRetryDelay(msg string) time.Duration {
	m := retryDelayRegex.FindStringSubmatch(msg)
	if len(m) < 2 {
		return 0
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value <= 0 {
		return 0
	}

	unit := time.Second
	if strings.EqualFold(m[2], "ms") {
		unit = time.Millisecond
	}
	return time.Duration(value * float64(unit))
}
