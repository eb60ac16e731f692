// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// MaxEventSize is the maximum allowed size of a single SSE event (1MB).
const MaxEventSize = 1024 * 1024

// ErrEventTooLarge is returned when an SSE event exceeds MaxEventSize.
var ErrEventTooLarge = errors.New("sse event too large")

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
	max    int
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReader(r),
		max:    MaxEventSize,
	}
}

// ReadEvent reads the next SSE event. It returns the event type (usually
// empty for chat completions) and the data lines joined by "\n". Comments
// and id/retry fields are ignored. Returns io.EOF when the stream ends
// between events.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte
	size := 0

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil && !(errors.Is(err, io.EOF) && len(line) > 0) {
			if errors.Is(err, io.EOF) && len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			return "", nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// Empty line ends the event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data := line[len("data:"):]
			// A single leading space is part of the framing.
			data = bytes.TrimPrefix(data, []byte(" "))
			size += len(data)
			if size > s.max {
				return "", nil, fmt.Errorf("%w: more than %d bytes", ErrEventTooLarge, s.max)
			}
			dataLines = append(dataLines, bytes.Clone(data))
		}
	}
}
