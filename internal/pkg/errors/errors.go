package errors

import (
	stderrors "errors"
	"net/http"
)

// Kind is one of the seven error kinds spec §7 enumerates.
type Kind string

const (
	KindNoAvailableAccount   Kind = "NoAvailableAccount"
	KindAuth                 Kind = "AuthError"
	KindRateLimit            Kind = "RateLimitError"
	KindRequest              Kind = "RequestError"
	KindImageGenerationFailed Kind = "ImageGenerationFailed"
	KindBrowserFlow          Kind = "BrowserFlowError"
	KindVerificationTimeout  Kind = "VerificationTimeout"
)

// Status is the wire shape every HTTP error response renders to.
type Status struct {
	Code     int32             `json:"code"`
	Reason   string            `json:"reason,omitempty"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AppError is the single error type every component raises; it carries
// enough structure for ToHTTP to render spec §7's user-visible behavior
// without the caller having to know the HTTP mapping.
type AppError struct {
	Kind     Kind
	Code     int32
	Reason   string
	Message  string
	Metadata map[string]string
	cause    error
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *AppError) Unwrap() error { return e.cause }

// FromError walks the error chain looking for an *AppError.
func FromError(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return &AppError{
		Kind:    KindRequest,
		Code:    http.StatusInternalServerError,
		Reason:  "internal_error",
		Message: err.Error(),
		cause:   err,
	}
}

func withMeta(e *AppError, metadata map[string]string) *AppError {
	if len(metadata) > 0 {
		e.Metadata = metadata
	}
	return e
}

// NoAvailableAccount: Selector finds nothing usable (spec §7). metadata
// should include "retry_hint" ("refreshing in background" or a cooldown ETA).
func NoAvailableAccount(message string, metadata map[string]string) *AppError {
	return withMeta(&AppError{
		Kind:    KindNoAvailableAccount,
		Code:    http.StatusServiceUnavailable,
		Reason:  "no_available_account",
		Message: message,
	}, metadata)
}

// Auth: Upstream 401/403 or an explicit auth-failure body.
func Auth(message string, cause error) *AppError {
	return &AppError{
		Kind:    KindAuth,
		Code:    http.StatusUnauthorized,
		Reason:  "upstream_auth_error",
		Message: message,
		cause:   cause,
	}
}

// RateLimit: Upstream 429.
func RateLimit(message string, cause error) *AppError {
	return &AppError{
		Kind:    KindRateLimit,
		Code:    http.StatusTooManyRequests,
		Reason:  "upstream_rate_limited",
		Message: message,
		cause:   cause,
	}
}

// Request: TLS retries exhausted, 5xx, FILE_NOT_FOUND, 403/404 on session.
func Request(message string, cause error) *AppError {
	return &AppError{
		Kind:    KindRequest,
		Code:    http.StatusBadGateway,
		Reason:  "upstream_request_error",
		Message: message,
		cause:   cause,
	}
}

// ImageGenerationFailed: the §4.J detector fired.
func ImageGenerationFailed(message string) *AppError {
	return &AppError{
		Kind:    KindImageGenerationFailed,
		Code:    http.StatusOK, // surfaced as a warning-prefixed result, not an HTTP error
		Reason:  "image_generation_failed",
		Message: message,
	}
}

// BrowserFlow: the Browser-Automation Worker could not reach /cid/<id>.
func BrowserFlow(message string, cause error) *AppError {
	return &AppError{
		Kind:    KindBrowserFlow,
		Code:    http.StatusInternalServerError,
		Reason:  "browser_flow_error",
		Message: message,
		cause:   cause,
	}
}

// VerificationTimeout: the Hub waited past its deadline.
func VerificationTimeout(message string) *AppError {
	return &AppError{
		Kind:    KindVerificationTimeout,
		Code:    http.StatusGatewayTimeout,
		Reason:  "verification_timeout",
		Message: message,
	}
}
