package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/openai/openai-go/v3"
)

// RateLimitError is the tagged classification for 429-class failures.
// Callers decide retry policy from this type, never from message text.
type RateLimitError struct {
	RetryAfter time.Duration // zero when the backend did not say
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return fmt.Sprintf("rate limited: %s", e.Message)
}

// IsRateLimit reports whether err carries a RateLimitError anywhere in its
// chain, returning it when present.
func IsRateLimit(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// classifyError converts SDK errors into tagged errors. Anything that is not
// a rate limit passes through wrapped.
func classifyError(backend string, err error) error {
	if err == nil {
		return nil
	}

	var oaErr *openai.Error
	if errors.As(err, &oaErr) && oaErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			RetryAfter: retryAfterFrom(oaErr.Response),
			Message:    oaErr.Error(),
		}
	}

	var anErr *anthropic.Error
	if errors.As(err, &anErr) && anErr.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			RetryAfter: retryAfterFrom(anErr.Response),
			Message:    anErr.Error(),
		}
	}

	return fmt.Errorf("%s API call: %w", backend, err)
}

func retryAfterFrom(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}
