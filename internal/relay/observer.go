// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jeranaias/chatrelay/internal/classify"
)

// Outcome is how a relay call ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Summary describes one finished relay call.
type Summary struct {
	RequestID string
	Mode      string
	Model     string
	Outcome   Outcome
	ErrorKind string // errorType of the failure, empty unless Outcome is failed
	Status    int    // upstream HTTP status, 0 when no response was received
	Chunks    int
	Bytes     int
	Duration  time.Duration
}

// Observer receives a Summary when a relay call ends, whether it failed
// before streaming or after. It must not block.
type Observer func(Summary)

// outcomeOf maps the terminal error of a call to an Outcome and error kind.
func outcomeOf(err error) (Outcome, string) {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return OutcomeCompleted, ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrStreamClosed):
		return OutcomeCancelled, ""
	}
	return OutcomeFailed, classify.KindOf(err)
}
