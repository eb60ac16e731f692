// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package classify maps relay failures onto a fixed error taxonomy and
// renders each kind as an HTTP status plus JSON body.
//
// # Taxonomy
//
//   - ContextLengthError: 400 context_length_exceeded {limit, requested}
//   - AuthError: 401 openai_auth_error
//   - RateLimitedError: 429 rate_limit {retryAfter}
//   - GenericProviderError: 400 generic_openai_error {message, type, param, code}
//   - ProviderError: 500 openai_error {message}
//   - UnexpectedError: 500 unexpected_error {message}
//
// Raw provider failures arrive as *APIError and are refined by matching the
// provider's message text (see patterns.go). The text matching is the
// fragile part of the contract and lives in one place so the rules can be
// revised without touching the relay.
//
// # Usage
//
//	res := classify.Classify(err)
//	classify.WriteJSON(w, res)
//
// Classify never panics. Unexpected errors and non-error values are logged
// as "Unexpected error" with the original value attached.
package classify
