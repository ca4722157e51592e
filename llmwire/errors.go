package llmwire

import (
	"errors"
	"fmt"
	"net/http"
)

// WireError is the base for all classified errors produced by this package.
// Classification drives retry behavior and failure-budget accounting in
// callers, so every adapter failure is wrapped in exactly one of the
// concrete kinds below.
type WireError struct {
	Message    string
	Provider   string
	StatusCode int
	Cause      error
}

func (e *WireError) Error() string {
	if e.Provider != "" && e.StatusCode != 0 {
		return fmt.Sprintf("%s (provider=%s, status=%d)", e.Message, e.Provider, e.StatusCode)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s (provider=%s)", e.Message, e.Provider)
	}
	return e.Message
}

func (e *WireError) Unwrap() error { return e.Cause }

// AuthenticationError indicates invalid or missing credentials (401/403).
// Never retryable.
type AuthenticationError struct{ WireError }

// RateLimitError indicates the provider refused for quota reasons (429).
// RetryAfter is the provider-suggested delay in seconds, 0 if absent.
type RateLimitError struct {
	WireError
	RetryAfter float64
}

// ProviderError indicates the provider rejected the request or returned a
// malformed or failed response (4xx other than auth/429, 5xx, or an
// unparseable stream).
type ProviderError struct{ WireError }

// NetworkError indicates the request never produced a usable HTTP
// response: connection failures, timeouts, dropped streams.
type NetworkError struct{ WireError }

// ConfigurationError indicates the client was misused: unknown provider,
// missing model, empty messages. Never retryable.
type ConfigurationError struct{ WireError }

// NewAuthenticationError creates an AuthenticationError.
func NewAuthenticationError(provider, message string, status int) *AuthenticationError {
	return &AuthenticationError{WireError{Message: message, Provider: provider, StatusCode: status}}
}

// NewRateLimitError creates a RateLimitError.
func NewRateLimitError(provider, message string, retryAfter float64) *RateLimitError {
	return &RateLimitError{
		WireError:  WireError{Message: message, Provider: provider, StatusCode: http.StatusTooManyRequests},
		RetryAfter: retryAfter,
	}
}

// NewProviderError creates a ProviderError.
func NewProviderError(provider, message string, status int, cause error) *ProviderError {
	return &ProviderError{WireError{Message: message, Provider: provider, StatusCode: status, Cause: cause}}
}

// NewNetworkError creates a NetworkError wrapping a transport failure.
func NewNetworkError(provider, message string, cause error) *NetworkError {
	return &NetworkError{WireError{Message: message, Provider: provider, Cause: cause}}
}

// NewConfigurationError creates a ConfigurationError.
func NewConfigurationError(message string) *ConfigurationError {
	return &ConfigurationError{WireError{Message: message}}
}

// ErrorFromStatusCode maps a non-2xx HTTP status to its error class.
func ErrorFromStatusCode(provider string, status int, body string) error {
	msg := fmt.Sprintf("provider returned status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return NewAuthenticationError(provider, msg, status)
	case status == http.StatusTooManyRequests:
		return NewRateLimitError(provider, msg, 0)
	default:
		return NewProviderError(provider, msg, status, nil)
	}
}

// IsRetryable reports whether err represents a transient condition worth
// retrying: rate limits, network failures, and 5xx provider errors.
func IsRetryable(err error) bool {
	var rateLimit *RateLimitError
	if errors.As(err, &rateLimit) {
		return true
	}
	var network *NetworkError
	if errors.As(err, &network) {
		return true
	}
	var provider *ProviderError
	if errors.As(err, &provider) {
		return provider.StatusCode >= 500
	}
	return false
}
