package musicgen

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrEmptyResponse is returned when the provider responds successfully but without any track.
var ErrEmptyResponse = errors.New("provider response contains no tracks")

// ProviderError is returned when the provider responds with a non-successful status code.
type ProviderError struct {
	StatusCode int
	Message    string
	// Value of the Retry-After header, if present
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited returns true if the error is a ProviderError caused by the provider's rate limiting.
func IsRateLimited(err error) bool {
	var e *ProviderError
	return errors.As(err, &e) && e.StatusCode == http.StatusTooManyRequests
}

// IsProviderError returns true if the error is a *ProviderError.
func IsProviderError(err error) bool {
	var e *ProviderError
	return errors.As(err, &e)
}

// InvalidPromptError is returned when a prompt fails validation.
type InvalidPromptError struct {
	Reason string
}

// Error implements the error interface.
func (e *InvalidPromptError) Error() string {
	return "invalid prompt: " + e.Reason
}

// IsInvalidPrompt returns true if the error is an *InvalidPromptError.
func IsInvalidPrompt(err error) bool {
	var e *InvalidPromptError
	return errors.As(err, &e)
}
