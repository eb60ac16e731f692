// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "subdir", "deep", "config.toml")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0o600, 0o700))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0o600, 0o700))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(content))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

// =============================================================================
// STRING TESTS
// =============================================================================

func TestTruncateRunes(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxRunes int
		want     string
	}{
		{"short", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"truncated", "hello world", 8, "hello..."},
		{"tiny limit", "hello", 2, "he"},
		{"zero", "hello", 0, ""},
		{"utf8", "日本語テキスト", 5, "日本..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TruncateRunes(tt.input, tt.maxRunes))
		})
	}
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "ping...", Preview("ping", 8))
	assert.Equal(t, "You are ...", Preview("You are a helpful assistant", 8))
	assert.Equal(t, "héllo wö...", Preview("héllo wörld", 8))
	assert.Equal(t, "...", Preview("anything", 0))
}

func TestRuneLen(t *testing.T) {
	assert.Equal(t, 5, RuneLen("hello"))
	assert.Equal(t, 3, RuneLen("日本語"))
}

func TestKeyFingerprint(t *testing.T) {
	assert.Equal(t, "none", KeyFingerprint(""))

	fp := KeyFingerprint("somekey")
	assert.Len(t, fp, 8)
	assert.Equal(t, fp, KeyFingerprint("somekey"))
	assert.NotEqual(t, fp, KeyFingerprint("otherkey"))
	assert.NotContains(t, fp, "somekey")
}
