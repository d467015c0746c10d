package routing

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/vietddude/chatdigest/internal/infra/llm/provider"
)

// Kind is the classified category of a generation failure.
type Kind string

const (
	KindRateLimit           Kind = "rate_limit"
	KindTimeout             Kind = "timeout"
	KindServerError         Kind = "server_error"
	KindQuota               Kind = "quota"
	KindAuth                Kind = "auth"
	KindInvalidRequest      Kind = "invalid_request"
	KindDailyQuotaExhausted Kind = "daily_quota_exhausted"
	KindUnknown             Kind = "unknown"
)

// Retryable reports whether a failure of this kind may succeed on a later attempt.
func (k Kind) Retryable() bool {
	switch k {
	case KindRateLimit, KindTimeout, KindServerError:
		return true
	}
	return false
}

// BackendSpecific reports whether another backend may succeed where this one failed.
func (k Kind) BackendSpecific() bool {
	switch k {
	case KindAuth, KindQuota, KindDailyQuotaExhausted:
		return true
	}
	return false
}

var (
	reStatus429  = regexp.MustCompile(`\b429\b`)
	reStatus402  = regexp.MustCompile(`\b402\b`)
	reStatusAuth = regexp.MustCompile(`\b(401|403)\b`)
	reStatus400  = regexp.MustCompile(`\b(400|404|413|422)\b`)
	reStatus5xx  = regexp.MustCompile(`\b5\d\d\b`)
	reDailyCap   = regexp.MustCompile(`(?i)(per ?day|daily)`)
	reZeroLeft   = regexp.MustCompile(`(?i)limit:\s*0\b`)
)

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Classify maps an error to a Kind. A BackendError keeps the kind it was
// given; typed sentinels are checked next, then the message is matched
// against provider-agnostic signatures.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind
	}

	switch {
	case errors.Is(err, provider.ErrEmptyResponse):
		return KindInvalidRequest
	case errors.Is(err, provider.ErrMissingCredential):
		return KindAuth
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}

	return ClassifyMessage(err.Error())
}

// ClassifyMessage classifies a raw error message.
func ClassifyMessage(msg string) Kind {
	lower := strings.ToLower(msg)

	rateLimited := reStatus429.MatchString(msg) ||
		containsAny(lower, "resource_exhausted", "resource exhausted", "too many requests",
			"rate limit", "rate_limit", "ratelimit")

	// Hard quotas and billing
	if containsAny(lower, "insufficient_quota", "credit balance", "billing_hard_limit",
		"payment required") || reStatus402.MatchString(msg) {
		return KindQuota
	}

	if rateLimited {
		if reDailyCap.MatchString(msg) && reZeroLeft.MatchString(msg) {
			return KindDailyQuotaExhausted
		}
		return KindRateLimit
	}

	// Authorization
	if reStatusAuth.MatchString(msg) ||
		containsAny(lower, "permission_denied", "permission denied", "unauthenticated",
			"unauthorized", "forbidden", "api key not valid", "invalid api key", "invalid_api_key",
			"authentication_error", "permission_error") {
		return KindAuth
	}

	// Malformed arguments
	if reStatus400.MatchString(msg) ||
		containsAny(lower, "invalid_argument", "invalid argument", "invalid_request",
			"malformed", "bad request", "not_found_error", "model not found", "context length") {
		return KindInvalidRequest
	}

	if containsAny(lower, "deadline exceeded", "deadline_exceeded", "timeout", "timed out") {
		return KindTimeout
	}

	if reStatus5xx.MatchString(msg) ||
		containsAny(lower, "unavailable", "internal error", "internal server error", "overloaded",
			"connection reset", "connection refused", "broken pipe", "unexpected eof", "bad gateway") {
		return KindServerError
	}

	return KindUnknown
}
