// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package classify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// RESPONSE BODIES
// =============================================================================

// ContextLengthBody is rendered for context_length_exceeded.
type ContextLengthBody struct {
	ErrorType string `json:"errorType"`
	Limit     int    `json:"limit"`
	Requested int    `json:"requested"`
}

// KindBody carries only the error type.
type KindBody struct {
	ErrorType string `json:"errorType"`
}

// RateLimitBody is rendered for rate_limit.
type RateLimitBody struct {
	ErrorType  string `json:"errorType"`
	RetryAfter int    `json:"retryAfter"`
}

// GenericBody is rendered for generic_openai_error.
type GenericBody struct {
	ErrorType string  `json:"errorType"`
	Message   string  `json:"message"`
	Type      string  `json:"type"`
	Param     *string `json:"param"`
	Code      *string `json:"code"`
}

// MessageBody is rendered for every kind that carries a single message.
type MessageBody struct {
	ErrorType string `json:"errorType"`
	Message   string `json:"message"`
}

// Result is the HTTP rendering of a classified failure.
type Result struct {
	Status int
	Kind   string
	Body   any
}

// =============================================================================
// LOGGER
// =============================================================================

var (
	logMu  sync.RWMutex
	logger logrus.FieldLogger = logrus.StandardLogger()
)

// SetLogger replaces the logger used for unexpected-error diagnostics.
func SetLogger(l logrus.FieldLogger) {
	logMu.Lock()
	defer logMu.Unlock()
	if l == nil {
		l = logrus.StandardLogger()
	}
	logger = l
}

func currentLogger() logrus.FieldLogger {
	logMu.RLock()
	defer logMu.RUnlock()
	return logger
}

// =============================================================================
// CLASSIFY
// =============================================================================

// Classify maps any failure value to a status and JSON body. It is safe to
// call with nil, non-error values, or wrapped errors, and never panics.
func Classify(v any) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			currentLogger().WithField("panic", r).Error("Unexpected error")
			res = render(&UnexpectedError{Message: UnknownErrorMessage})
		}
	}()

	variant, isErr := Resolve(v)
	if variant.Kind() == KindUnexpected && !isContextErr(v) {
		entry := currentLogger().WithField("kind", KindUnexpected)
		if isErr {
			entry.WithError(v.(error)).Error("Unexpected error")
		} else {
			entry.WithField("value", v).Error("Unexpected error")
		}
	}
	return render(variant)
}

// Resolve returns the taxonomy variant for v without logging. The boolean is
// false when v is not an error value at all.
func Resolve(v any) (UpstreamError, bool) {
	err, ok := v.(error)
	if !ok || err == nil {
		return &UnexpectedError{Message: UnknownErrorMessage}, false
	}

	var (
		ctxLen   *ContextLengthError
		auth     *AuthError
		rate     *RateLimitedError
		generic  *GenericProviderError
		provider *ProviderError
		caller   *CallerError
		raw      *APIError
		unexp    *UnexpectedError
	)
	switch {
	case errors.As(err, &ctxLen):
		return ctxLen, true
	case errors.As(err, &auth):
		return auth, true
	case errors.As(err, &rate):
		return rate, true
	case errors.As(err, &generic):
		return generic, true
	case errors.As(err, &provider):
		return provider, true
	case errors.As(err, &caller):
		return caller, true
	case errors.As(err, &raw):
		return raw.Refine(), true
	case errors.As(err, &unexp):
		return unexp, true
	}
	return &UnexpectedError{Message: err.Error(), Cause: err}, true
}

// KindOf returns the errorType that Classify would render for v.
func KindOf(v any) string {
	variant, _ := Resolve(v)
	return variant.Kind()
}

func isContextErr(v any) bool {
	err, ok := v.(error)
	return ok && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func render(v UpstreamError) Result {
	switch e := v.(type) {
	case *ContextLengthError:
		return Result{Status: http.StatusBadRequest, Kind: KindContextLength, Body: ContextLengthBody{
			ErrorType: KindContextLength, Limit: e.Limit, Requested: e.Requested,
		}}
	case *AuthError:
		return Result{Status: http.StatusUnauthorized, Kind: KindAuth, Body: KindBody{ErrorType: KindAuth}}
	case *RateLimitedError:
		return Result{Status: http.StatusTooManyRequests, Kind: KindRateLimit, Body: RateLimitBody{
			ErrorType: KindRateLimit, RetryAfter: e.RetryAfter,
		}}
	case *GenericProviderError:
		return Result{Status: http.StatusBadRequest, Kind: KindGeneric, Body: GenericBody{
			ErrorType: KindGeneric, Message: e.Message, Type: e.Type, Param: e.Param, Code: e.Code,
		}}
	case *ProviderError:
		return Result{Status: http.StatusInternalServerError, Kind: KindProvider, Body: MessageBody{
			ErrorType: KindProvider, Message: e.Message,
		}}
	case *CallerError:
		status := e.Status
		if status == 0 {
			status = http.StatusBadRequest
		}
		return Result{Status: status, Kind: e.Type, Body: MessageBody{ErrorType: e.Type, Message: e.Message}}
	case *UnexpectedError:
		return Result{Status: http.StatusInternalServerError, Kind: KindUnexpected, Body: MessageBody{
			ErrorType: KindUnexpected, Message: e.Message,
		}}
	}
	return Result{Status: http.StatusInternalServerError, Kind: KindUnexpected, Body: MessageBody{
		ErrorType: KindUnexpected, Message: UnknownErrorMessage,
	}}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// WriteJSON writes res as an application/json response.
func WriteJSON(w http.ResponseWriter, res Result) {
	w.Header().Set("Content-Type", "application/json")
	if res.Kind == KindRateLimit {
		if body, ok := res.Body.(RateLimitBody); ok && body.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(body.RetryAfter))
		}
	}
	w.WriteHeader(res.Status)
	_ = json.NewEncoder(w).Encode(res.Body)
}

// Write classifies v and writes the result.
func Write(w http.ResponseWriter, v any) Result {
	res := Classify(v)
	WriteJSON(w, res)
	return res
}
