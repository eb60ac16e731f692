// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across chatrelay.
//
//   - TruncateRunes, Preview: UTF-8 safe truncation for log lines
//   - KeyFingerprint: loggable stand-in for a credential
//   - AtomicWriteFile: crash-safe file writing with fsync
package util
