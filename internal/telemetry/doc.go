// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records what happened to each relay call.
//
// # Key Types
//
//   - Stats: in-memory counters since process start
//   - Journal: SQLite log with one row per relay call
//   - Recorder: relay observer that feeds both
//
// # Usage
//
//	stats := telemetry.NewStats()
//	journal, err := telemetry.OpenJournal(path)
//	rec := telemetry.NewRecorder(stats, journal)
//	defer rec.Close()
//	r := relay.New(mode, defaults).WithObserver(rec.Observe)
//
// # Privacy
//
// Neither message content nor credentials are stored. Only outcome, error
// type, status and stream size are kept.
package telemetry
