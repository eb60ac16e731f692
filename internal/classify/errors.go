// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"fmt"
	"net/http"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// Kind values rendered in the errorType field of a JSON error body.
const (
	KindContextLength = "context_length_exceeded"
	KindAuth          = "openai_auth_error"
	KindRateLimit     = "rate_limit"
	KindGeneric       = "generic_openai_error"
	KindProvider      = "openai_error"
	KindUnexpected    = "unexpected_error"
)

// Caller-level kinds. These sit outside the upstream taxonomy and are raised
// by the HTTP boundary itself.
const (
	KindInvalidRequest = "invalid_request"
	KindUnknownModel   = "unknown_model"
	KindUnauthorized   = "unlock_code_required"
)

// UnknownErrorMessage is the message used when the failure is not an error value.
const UnknownErrorMessage = "Unknown error"

// UpstreamError is implemented by every variant of the taxonomy.
type UpstreamError interface {
	error
	Kind() string
}

// =============================================================================
// TAXONOMY
// =============================================================================

// AuthError reports an invalid or missing provider credential.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return "openai auth error: " + e.Message }

// Kind implements UpstreamError.
func (e *AuthError) Kind() string { return KindAuth }

// RateLimitedError reports provider throttling. RetryAfter is in seconds.
type RateLimitedError struct {
	Message    string
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %ds): %s", e.RetryAfter, e.Message)
}

// Kind implements UpstreamError.
func (e *RateLimitedError) Kind() string { return KindRateLimit }

// ContextLengthError reports a prompt plus completion budget larger than the
// model's context window.
type ContextLengthError struct {
	Message   string
	Limit     int
	Requested int
}

func (e *ContextLengthError) Error() string {
	return fmt.Sprintf("context length exceeded (limit %d, requested %d)", e.Limit, e.Requested)
}

// Kind implements UpstreamError.
func (e *ContextLengthError) Kind() string { return KindContextLength }

// GenericProviderError is a structured provider error that matched none of
// the known message patterns. Param and Code are nil when the provider
// omitted them.
type GenericProviderError struct {
	Message string
	Type    string
	Param   *string
	Code    *string
}

func (e *GenericProviderError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("openai error [%s]: %s", e.Type, e.Message)
	}
	return "openai error: " + e.Message
}

// Kind implements UpstreamError.
func (e *GenericProviderError) Kind() string { return KindGeneric }

// ProviderError is a provider error without a recognizable structure.
type ProviderError struct {
	Message string
}

func (e *ProviderError) Error() string { return "openai error: " + e.Message }

// Kind implements UpstreamError.
func (e *ProviderError) Kind() string { return KindProvider }

// UnexpectedError is any failure that did not come from the provider:
// network, parse, or programming errors.
type UnexpectedError struct {
	Message string
	Cause   error
}

func (e *UnexpectedError) Error() string { return e.Message }

// Unwrap returns the underlying cause.
func (e *UnexpectedError) Unwrap() error { return e.Cause }

// Kind implements UpstreamError.
func (e *UnexpectedError) Kind() string { return KindUnexpected }

// =============================================================================
// RAW PROVIDER ERROR
// =============================================================================

// APIError is a provider error body as the relay received it, before any
// message matching. Classify refines it into one of the taxonomy variants.
type APIError struct {
	Status  int
	Message string
	Type    string
	Param   *string
	Code    *string
}

func (e *APIError) Error() string {
	if e.Code != nil {
		return fmt.Sprintf("provider error [%s] (HTTP %d): %s", *e.Code, e.Status, e.Message)
	}
	return fmt.Sprintf("provider error (HTTP %d): %s", e.Status, e.Message)
}

// Structured reports whether the provider supplied any of type, param or code.
func (e *APIError) Structured() bool {
	return e.Type != "" || e.Param != nil || e.Code != nil
}

// Refine converts the raw error into a taxonomy variant.
func (e *APIError) Refine() UpstreamError {
	if e.Structured() {
		return FromProviderMessage(e.Message, e.Type, e.Param, e.Code)
	}
	return FromUnstructured(e.Message)
}

// =============================================================================
// CALLER ERRORS
// =============================================================================

// CallerError is raised by the HTTP boundary for problems with the inbound
// request itself, such as an unknown model or a malformed body.
type CallerError struct {
	Status  int
	Type    string
	Message string
}

func (e *CallerError) Error() string { return e.Type + ": " + e.Message }

// Kind implements UpstreamError.
func (e *CallerError) Kind() string { return e.Type }

// InvalidRequest builds a 400 invalid_request caller error.
func InvalidRequest(format string, args ...any) *CallerError {
	return &CallerError{Status: http.StatusBadRequest, Type: KindInvalidRequest, Message: fmt.Sprintf(format, args...)}
}

// UnknownModel builds a 400 unknown_model caller error.
func UnknownModel(modelID string) *CallerError {
	return &CallerError{Status: http.StatusBadRequest, Type: KindUnknownModel, Message: fmt.Sprintf("model %q is not available", modelID)}
}

// Unauthorized builds a 401 caller error for a missing or wrong unlock code.
func Unauthorized(message string) *CallerError {
	return &CallerError{Status: http.StatusUnauthorized, Type: KindUnauthorized, Message: message}
}
