package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Transient errors. The worker retries these with backoff.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrRateLimited         = errors.New("ai provider rate limited")
)

// Terminal errors. Retrying cannot change the outcome.
var (
	ErrInvalidResponse = errors.New("ai provider returned invalid response")
	ErrPayloadTooLarge = errors.New("ai request payload too large")
	ErrRejected        = errors.New("ai provider rejected request")
)

// IsRetryable reports whether err is transient. Unknown errors are treated
// as terminal so a bug cannot burn the whole retry budget.
func IsRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrInferenceTimeout),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return false
}

// ClassifyStatus maps a non-2xx provider response onto the error taxonomy.
func ClassifyStatus(provider string, code int, body string) error {
	var base error
	switch {
	case code == http.StatusTooManyRequests:
		base = ErrRateLimited
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		base = ErrInferenceTimeout
	case code == http.StatusRequestEntityTooLarge:
		base = ErrPayloadTooLarge
	case code >= 500:
		base = ErrProviderUnavailable
	default:
		base = ErrRejected
	}
	return fmt.Errorf("%w: %s returned %d: %s", base, provider, code, TruncateString(body, 512))
}
