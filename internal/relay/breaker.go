// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while the breaker rejects upstream calls.
var ErrCircuitOpen = errors.New("upstream circuit open")

// errServerStatus marks a 5xx response as a failure for the breaker only.
// The response itself is still handed back to the relay.
var errServerStatus = errors.New("upstream server error")

// =============================================================================
// CIRCUIT BREAKER
// =============================================================================

// BreakerSettings configures the upstream circuit breaker.
type BreakerSettings struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold uint32

	// Timeout is how long the circuit stays open before a trial request.
	Timeout time.Duration

	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32
}

// DefaultBreakerSettings returns the defaults used when config leaves them unset.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		MaxRequests:      1,
	}
}

// Breaker guards the connect phase of upstream calls: sending the request
// and receiving the response headers. Only transport failures and 5xx
// responses count as failures. Provider errors such as 400, 401 or 429 are
// answers, not outages. The breaker never retries.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker named name.
func NewBreaker(name string, s BreakerSettings, log logrus.FieldLogger) *Breaker {
	def := DefaultBreakerSettings()
	if s.FailureThreshold == 0 {
		s.FailureThreshold = def.FailureThreshold
	}
	if s.Timeout <= 0 {
		s.Timeout = def.Timeout
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = def.MaxRequests
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// A caller hanging up says nothing about upstream health.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker":    name,
				"from_state": from.String(),
				"to_state":   to.String(),
			}).Warn("BREAKER_STATE_CHANGE")
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs call through the breaker. A 5xx response is returned to the
// caller with a nil error after being counted as a failure.
func (b *Breaker) Do(call func() (*http.Response, error)) (*http.Response, error) {
	result, err := b.cb.Execute(func() (interface{}, error) {
		resp, err := call()
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return resp, errServerStatus
		}
		return resp, nil
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w (%s)", ErrCircuitOpen, b.cb.Name())
	}
	if errors.Is(err, errServerStatus) {
		return result.(*http.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

// State returns the breaker state as "closed", "half-open" or "open".
func (b *Breaker) State() string {
	if b == nil {
		return "disabled"
	}
	return b.cb.State().String()
}
