// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package relay

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEReader_ReadEvent(t *testing.T) {
	input := ": keep-alive comment\n" +
		"data: first\n\n" +
		"event: message\r\n" +
		"id: 7\r\n" +
		"data: line one\r\n" +
		"data: line two\r\n\r\n" +
		"\n\n" +
		"data:nospace\n\n" +
		"data: trailing without blank line"

	r := NewSSEReader(strings.NewReader(input))

	typ, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Empty(t, typ)
	assert.Equal(t, "first", string(data))

	typ, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "message", typ)
	assert.Equal(t, "line one\nline two", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "nospace", string(data))

	_, data, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "trailing without blank line", string(data))

	_, _, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEReader_EventTooLarge(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: " + strings.Repeat("x", 64) + "\n\n"))
	r.max = 32

	_, _, err := r.ReadEvent()
	assert.ErrorIs(t, err, ErrEventTooLarge)
}

func TestParseEvent(t *testing.T) {
	text, kind, err := parseEvent([]byte(`{"choices":[{"delta":{"content":"hi"},"finish_reason":null}]}`))
	require.NoError(t, err)
	assert.Equal(t, eventDelta, kind)
	assert.Equal(t, "hi", text)

	_, kind, err = parseEvent([]byte(`{"choices":[{"delta":{},"finish_reason":"length"}]}`))
	require.NoError(t, err)
	assert.Equal(t, eventFinish, kind)

	_, kind, err = parseEvent([]byte(" [DONE] "))
	require.NoError(t, err)
	assert.Equal(t, eventFinish, kind)

	_, _, err = parseEvent([]byte(`{"choices":"nope"}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, _, err = parseEvent([]byte(`{"error":42}`))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}
