package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/italypaleale/tunequeue/musicgen"
	"github.com/italypaleale/tunequeue/requestqueue"
)

// Errors returned by the API
var (
	ErrInvalidBody         = NewApiError("InvalidBody", http.StatusBadRequest, "Request body is not valid")
	ErrInvalidPrompt       = NewApiError("InvalidPrompt", http.StatusBadRequest, "Prompt is not valid")
	ErrRequestCanceled     = NewApiError("RequestCanceled", http.StatusRequestTimeout, "Request was canceled before tracks were generated")
	ErrQueueFull           = NewApiError("QueueFull", http.StatusServiceUnavailable, "Too many generation requests are waiting")
	ErrQueueClosed         = NewApiError("QueueClosed", http.StatusServiceUnavailable, "Server is shutting down")
	ErrProviderRateLimited = NewApiError("ProviderRateLimited", http.StatusTooManyRequests, "Music provider is rate limiting requests")
	ErrProviderFailed      = NewApiError("ProviderFailed", http.StatusBadGateway, "Music provider returned an error")
	ErrProviderTimeout     = NewApiError("ProviderTimeout", http.StatusGatewayTimeout, "Music provider did not respond in time")
	ErrInternal            = NewApiError("InternalError", http.StatusInternalServerError, "Internal error")
)

// ApiError represents a structured API error response that can be serialized to JSON.
type ApiError struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`

	httpStatus int
}

// NewApiError creates a new ApiError with the specified code, HTTP status, and message.
func NewApiError(code string, httpStatus int, message string) *ApiError {
	return &ApiError{
		Code:    code,
		Message: message,

		httpStatus: httpStatus,
	}
}

// StatusCode returns the HTTP status code for the error.
func (e ApiError) StatusCode() int {
	return e.httpStatus
}

// WriteResponse writes the ApiError as a JSON response.
func (e ApiError) WriteResponse(w http.ResponseWriter, r *http.Request) {
	RespondWithJSONStatus(w, r, e.httpStatus, e)
}

// Clone creates a deep copy of the ApiError and optionally applies modifications through the provided functions.
func (e ApiError) Clone(with ...func(*ApiError)) *ApiError {
	cloned := &ApiError{
		Code:    e.Code,
		Message: e.Message,

		httpStatus: e.httpStatus,
	}

	for _, w := range with {
		w(cloned)
	}

	return cloned
}

// WithMetadata returns a function that adds entries to the Metadata field of an ApiError.
// It is used with Clone.
func WithMetadata(metadata map[string]string) func(*ApiError) {
	return func(e *ApiError) {
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, len(metadata))
		}
		for k, v := range metadata {
			e.Metadata[k] = v
		}
	}
}

// Error implements the error interface.
func (e ApiError) Error() string {
	return fmt.Sprintf("API error (%s): %s", e.Code, e.Message)
}

// Is allows using errors.Is to compare API errors by code.
func (e ApiError) Is(target error) bool {
	switch t := target.(type) {
	case ApiError:
		return t.Code == e.Code
	case *ApiError:
		return t != nil && t.Code == e.Code
	default:
		return false
	}
}

// apiErrorFor maps an error returned by the generation service to the ApiError sent to clients.
func apiErrorFor(err error) *ApiError {
	var (
		apiErr    *ApiError
		promptErr *musicgen.InvalidPromptError
		provErr   *musicgen.ProviderError
		cancelErr *requestqueue.CancellationError
	)

	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.As(err, &promptErr):
		return ErrInvalidPrompt.Clone(WithMetadata(map[string]string{"reason": promptErr.Reason}))
	case errors.Is(err, requestqueue.ErrQueueFull):
		return ErrQueueFull
	case errors.As(err, &cancelErr):
		if errors.Is(cancelErr.Cause(), requestqueue.ErrQueueClosed) {
			return ErrQueueClosed
		}
		return ErrRequestCanceled
	case errors.Is(err, musicgen.ErrEmptyResponse):
		return ErrProviderFailed.Clone(WithMetadata(map[string]string{"reason": "emptyResponse"}))
	case errors.Is(err, context.DeadlineExceeded):
		// The client's own request is checked by the handler, so this is the provider's timeout
		return ErrProviderTimeout
	case errors.As(err, &provErr):
		if provErr.StatusCode == http.StatusTooManyRequests {
			md := map[string]string{}
			if provErr.RetryAfter > 0 {
				md["retryAfter"] = strconv.Itoa(int(provErr.RetryAfter.Seconds()))
			}
			return ErrProviderRateLimited.Clone(WithMetadata(md))
		}
		return ErrProviderFailed.Clone(WithMetadata(map[string]string{
			"providerStatus": strconv.Itoa(provErr.StatusCode),
		}))
	default:
		return ErrInternal
	}
}
