// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jeranaias/chatrelay/internal/relay"
)

// DefaultQueueSize is how many journal entries may wait for the writer.
const DefaultQueueSize = 256

// journalWriteTimeout bounds a single journal insert.
const journalWriteTimeout = 5 * time.Second

// Recorder feeds relay summaries to Stats and, when set, to a Journal.
// Journal writes happen on a background goroutine so Observe never blocks;
// entries are dropped when the queue is full.
type Recorder struct {
	stats   *Stats
	journal *Journal
	log     logrus.FieldLogger

	mu      sync.RWMutex
	closed  bool
	queue   chan Entry
	done    chan struct{}
	dropped atomic.Int64
}

// NewRecorder creates a recorder. journal may be nil.
func NewRecorder(stats *Stats, journal *Journal) *Recorder {
	return NewRecorderWithLogger(stats, journal, logrus.StandardLogger())
}

// NewRecorderWithLogger creates a recorder that logs to l.
func NewRecorderWithLogger(stats *Stats, journal *Journal, l logrus.FieldLogger) *Recorder {
	r := &Recorder{
		stats:   stats,
		journal: journal,
		log:     l,
		done:    make(chan struct{}),
	}
	if journal == nil {
		close(r.done)
		return r
	}
	r.queue = make(chan Entry, DefaultQueueSize)
	go r.run()
	return r
}

// Stats returns the in-memory counters.
func (r *Recorder) Stats() *Stats {
	return r.stats
}

// Journal returns the journal, or nil.
func (r *Recorder) Journal() *Journal {
	return r.journal
}

// Dropped returns how many journal entries were discarded.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Observe is a relay.Observer.
func (r *Recorder) Observe(sum relay.Summary) {
	if r.stats != nil {
		r.stats.Record(sum)
	}
	if r.queue == nil {
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- EntryFromSummary(sum, time.Now()):
	default:
		r.dropped.Add(1)
		r.log.WithFields(logrus.Fields{
			"request_id": sum.RequestID,
		}).Warn("JOURNAL_QUEUE_FULL")
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
		if err := r.journal.Record(ctx, e); err != nil {
			r.log.WithError(err).WithField("request_id", e.RequestID).Warn("JOURNAL_WRITE_FAILED")
		}
		cancel()
	}
}

// Close drains pending journal writes. It does not close the journal.
func (r *Recorder) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		if r.queue != nil {
			close(r.queue)
		}
	}
	r.mu.Unlock()
	<-r.done
}
