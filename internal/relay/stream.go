// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jeranaias/chatrelay/internal/classify"
)

// =============================================================================
// STREAM ERRORS
// =============================================================================

// ErrMalformedEvent is wrapped by StreamError when an event payload is not
// the expected chat completion chunk.
var ErrMalformedEvent = errors.New("malformed stream event")

// ErrStreamClosed is returned by Next after the consumer called Close.
var ErrStreamClosed = errors.New("stream closed by consumer")

// StreamError reports a stream that broke after it started. Chunks and
// Bytes count what was delivered before the failure.
type StreamError struct {
	Chunks int
	Bytes  int
	Err    error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Bytes > 0 {
		return fmt.Sprintf("stream broken after %d chunks (%d bytes): %v", e.Chunks, e.Bytes, e.Err)
	}
	return fmt.Sprintf("stream broken: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// STREAM EVENT
// =============================================================================

// streamChunk is one SSE payload of a streaming chat completion. Pointers
// distinguish absent fields from empty ones.
type streamChunk struct {
	Choices *[]struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error json.RawMessage `json:"error"`
}

var doneMarker = []byte("[DONE]")

// eventResult is what one SSE event means for the stream.
type eventResult int

const (
	eventDelta eventResult = iota
	eventSkip
	eventFinish
)

// parseEvent interprets one SSE data payload.
func parseEvent(data []byte) (string, eventResult, error) {
	if bytes.Equal(bytes.TrimSpace(data), doneMarker) {
		return "", eventFinish, nil
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	if len(chunk.Error) > 0 && !bytes.Equal(chunk.Error, []byte("null")) {
		return "", 0, decodeErrorValue(chunk.Error, 0)
	}
	if chunk.Choices == nil {
		return "", 0, fmt.Errorf("%w: missing choices", ErrMalformedEvent)
	}

	choices := *chunk.Choices
	if len(choices) == 0 {
		// Gateways send a preamble with content filter results and no choices.
		return "", eventSkip, nil
	}

	first := choices[0]
	if first.FinishReason != nil {
		return "", eventFinish, nil
	}
	if first.Delta == nil {
		return "", 0, fmt.Errorf("%w: missing delta", ErrMalformedEvent)
	}
	if first.Delta.Content == nil {
		return "", eventDelta, nil
	}
	return *first.Delta.Content, eventDelta, nil
}

// =============================================================================
// DELTA STREAM
// =============================================================================

// Delta is one element of the channel returned by DeltaStream.Chunks.
type Delta struct {
	Text string
	Err  error
}

// streamEnd is called exactly once when a stream terminates.
type streamEnd func(chunks, bytes int, err error)

// DeltaStream is a pull iterator over the text deltas of one upstream
// response. It is finite and cannot be restarted. The body is read only when
// the consumer asks for the next delta.
//
// Next and Close may be called from different goroutines.
type DeltaStream struct {
	ctx    context.Context
	cancel context.CancelFunc
	body   io.ReadCloser
	reader *SSEReader
	onEnd  streamEnd

	mu     sync.Mutex
	err    error // sticky terminal error, io.EOF on normal completion
	chunks int
	bytes  int

	finishOnce sync.Once

	// stop is closed by Close so a Chunks goroutine stops sending.
	stop     chan struct{}
	stopOnce sync.Once
}

// NewDeltaStream wraps an SSE body. Cancelling ctx aborts the stream.
func NewDeltaStream(ctx context.Context, body io.ReadCloser) *DeltaStream {
	ctx, cancel := context.WithCancel(ctx)
	return newDeltaStream(ctx, cancel, body, nil)
}

func newDeltaStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, onEnd streamEnd) *DeltaStream {
	return &DeltaStream{
		ctx:    ctx,
		cancel: cancel,
		body:   body,
		reader: NewSSEReader(body),
		onEnd:  onEnd,
		stop:   make(chan struct{}),
	}
}

// Next returns the next text delta. It returns io.EOF after the provider
// signalled completion, a *StreamError when the stream broke, and the
// context error when the consumer's context was cancelled. Deltas may be
// empty strings. After the first error every call returns the same error.
func (s *DeltaStream) Next() (string, error) {
	for {
		if err := s.terminal(); err != nil {
			return "", err
		}
		if err := s.ctx.Err(); err != nil {
			return "", s.finish(err)
		}

		_, data, err := s.reader.ReadEvent()
		if err != nil {
			if ctxErr := s.ctx.Err(); ctxErr != nil {
				return "", s.finish(ctxErr)
			}
			if errors.Is(err, io.EOF) {
				// The provider hung up without a finish_reason.
				err = io.ErrUnexpectedEOF
			}
			return "", s.finish(s.broken(err))
		}

		text, kind, err := parseEvent(data)
		if err != nil {
			return "", s.finish(s.broken(err))
		}

		switch kind {
		case eventFinish:
			return "", s.finish(io.EOF)
		case eventSkip:
			continue
		}

		s.mu.Lock()
		s.chunks++
		s.bytes += len(text)
		s.mu.Unlock()
		return text, nil
	}
}

// Chunks exposes the stream as a channel for push-style consumers. The
// channel is closed after the last delta. A broken or cancelled stream
// delivers one final Delta with Err set before the channel closes. Sends
// block until received, so the upstream is still read no faster than the
// consumer drains. Close stops the goroutine.
func (s *DeltaStream) Chunks() <-chan Delta {
	ch := make(chan Delta)
	go func() {
		defer close(ch)
		for {
			text, err := s.Next()
			if errors.Is(err, io.EOF) || errors.Is(err, ErrStreamClosed) {
				return
			}
			// The stream cancels its own context when it ends, so only
			// the consumer's Close may interrupt a send.
			select {
			case ch <- Delta{Text: text, Err: err}:
			case <-s.stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// Close aborts the upstream request and releases the body. Closing a stream
// that has not finished records it as cancelled. Close is idempotent.
func (s *DeltaStream) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.finish(ErrStreamClosed)
	return nil
}

// Stats returns the number of deltas and bytes delivered so far.
func (s *DeltaStream) Stats() (chunks, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks, s.bytes
}

func (s *DeltaStream) terminal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *DeltaStream) broken(err error) error {
	chunks, n := s.Stats()
	return &StreamError{Chunks: chunks, Bytes: n, Err: err}
}

// finish records the terminal error once, aborts the request and closes
// the body. It returns the recorded error, which may be an earlier one.
func (s *DeltaStream) finish(err error) error {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	final := s.err
	chunks, n := s.chunks, s.bytes
	s.mu.Unlock()

	s.finishOnce.Do(func() {
		s.cancel()
		_ = s.body.Close()
		if s.onEnd != nil {
			s.onEnd(chunks, n, final)
		}
	})
	return final
}

// =============================================================================
// PROVIDER ERROR BODIES
// =============================================================================

// errorObject is the provider's {"error": {...}} payload.
type errorObject struct {
	Message string          `json:"message"`
	Type    string          `json:"type"`
	Param   json.RawMessage `json:"param"`
	Code    json.RawMessage `json:"code"`
}

// decodeErrorValue turns the value of an "error" field into a raw provider
// error. Objects keep their type/param/code; a bare string is unstructured.
func decodeErrorValue(raw json.RawMessage, status int) error {
	var obj errorObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		return &classify.APIError{
			Status:  status,
			Message: obj.Message,
			Type:    obj.Type,
			Param:   optionalString(obj.Param),
			Code:    optionalString(obj.Code),
		}
	}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		return &classify.APIError{Status: status, Message: msg}
	}
	return fmt.Errorf("%w: unreadable error field", ErrMalformedEvent)
}

// optionalString returns nil for absent or null values, the string for JSON
// strings and the literal text for anything else (codes are sometimes
// numbers).
func optionalString(raw json.RawMessage) *string {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	s = string(raw)
	return &s
}

// errorFromResponse builds the error for a non-200 upstream response.
func errorFromResponse(mode string, status int, statusText string, body []byte, readErr error) error {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if readErr == nil && json.Unmarshal(body, &envelope) == nil &&
		len(envelope.Error) > 0 && !bytes.Equal(envelope.Error, []byte("null")) {
		if err := decodeErrorValue(envelope.Error, status); !errors.Is(err, ErrMalformedEvent) {
			return err
		}
	}

	text := string(bytes.TrimSpace(body))
	if text == "" {
		text = statusText
	}
	return &classify.UnexpectedError{
		Message: fmt.Sprintf("%s returned an error (%d): %s", mode, status, text),
		Cause:   readErr,
	}
}
