// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeranaias/chatrelay/internal/relay"
)

// =============================================================================
// STATS
// =============================================================================

// Stats counts relay calls since process start. Safe for concurrent use.
type Stats struct {
	started time.Time

	total     atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	chunks    atomic.Int64
	bytes     atomic.Int64

	mu     sync.Mutex
	byKind map[string]int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Total         int64            `json:"total"`
	Completed     int64            `json:"completed"`
	Failed        int64            `json:"failed"`
	Cancelled     int64            `json:"cancelled"`
	ByErrorType   map[string]int64 `json:"byErrorType"`
	Chunks        int64            `json:"chunks"`
	Bytes         int64            `json:"bytes"`
	UptimeSeconds int64            `json:"uptimeSeconds"`
}

// NewStats creates zeroed counters.
func NewStats() *Stats {
	return &Stats{
		started: time.Now(),
		byKind:  make(map[string]int64),
	}
}

// Record counts one finished call.
func (s *Stats) Record(sum relay.Summary) {
	s.total.Add(1)
	s.chunks.Add(int64(sum.Chunks))
	s.bytes.Add(int64(sum.Bytes))

	switch sum.Outcome {
	case relay.OutcomeCompleted:
		s.completed.Add(1)
	case relay.OutcomeCancelled:
		s.cancelled.Add(1)
	default:
		s.failed.Add(1)
		if sum.ErrorKind != "" {
			s.mu.Lock()
			s.byKind[sum.ErrorKind]++
			s.mu.Unlock()
		}
	}
}

// Uptime returns the time since the counters were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.started)
}

// Snapshot returns a copy of the counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	byKind := make(map[string]int64, len(s.byKind))
	for k, v := range s.byKind {
		byKind[k] = v
	}
	s.mu.Unlock()

	return StatsSnapshot{
		Total:         s.total.Load(),
		Completed:     s.completed.Load(),
		Failed:        s.failed.Load(),
		Cancelled:     s.cancelled.Load(),
		ByErrorType:   byKind,
		Chunks:        s.chunks.Load(),
		Bytes:         s.bytes.Load(),
		UptimeSeconds: int64(s.Uptime().Seconds()),
	}
}
