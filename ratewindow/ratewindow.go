// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the bucketed-counter shape of github.com/bassosimone/nop's
// structured event pipeline (connect.go, tls.go), generalized from a single
// Start/Done log pair into a time-bucketed success/failure accumulator.

// Package ratewindow implements a thread-safe sliding-window counter of
// successes and failures, used by both the connection pool's outlier
// detector and the circuit breaker to compute a recent failure rate.
package ratewindow

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time read of the counts held in the live window.
type Snapshot struct {
	// Successes is the number of successes recorded within the window.
	Successes int64

	// Failures is the number of failures recorded within the window.
	Failures int64
}

// Total returns Successes+Failures.
func (s Snapshot) Total() int64 {
	return s.Successes + s.Failures
}

// FailureRate returns Failures/Total, or zero when Total is zero.
func (s Snapshot) FailureRate() float64 {
	if total := s.Total(); total > 0 {
		return float64(s.Failures) / float64(total)
	}
	return 0
}

// bucket holds the counts recorded during one bucket_size-wide slot.
type bucket struct {
	start     time.Time
	successes int64
	failures  int64
}

// Counter is a thread-safe sliding-window accumulator of {success, failure}
// counts, bucketized by time. See spec §3 SlidingWindowCounter.
//
// The zero value is not ready to use; construct with [New].
type Counter struct {
	mu         sync.Mutex
	window     time.Duration
	bucketSize time.Duration
	buckets    []bucket
	timeNow    func() time.Time
}

// New returns a [*Counter] covering the given window, divided into buckets
// of the given bucketSize. window must be a positive multiple of bucketSize
// for even coverage, though this is not strictly enforced.
func New(window, bucketSize time.Duration, timeNow func() time.Time) *Counter {
	if timeNow == nil {
		timeNow = time.Now
	}
	n := int(window / bucketSize)
	if n < 1 {
		n = 1
	}
	return &Counter{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]bucket, n),
		timeNow:    timeNow,
	}
}

// bucketIndex returns the ring index for the bucket containing t.
func (c *Counter) bucketIndex(t time.Time) int {
	slot := t.UnixNano() / int64(c.bucketSize)
	return int(slot % int64(len(c.buckets)))
}

// bucketStart returns the canonical start time of the bucket containing t.
func (c *Counter) bucketStart(t time.Time) time.Time {
	slot := t.UnixNano() / int64(c.bucketSize)
	return time.Unix(0, slot*int64(c.bucketSize))
}

// earliestLive returns the start time of the oldest bucket still within
// the window relative to now.
func (c *Counter) earliestLive(now time.Time) time.Time {
	return c.bucketStart(now.Add(-c.window))
}

// RecordSuccess records a success at the current time.
func (c *Counter) RecordSuccess() {
	c.record(c.timeNow(), true)
}

// RecordFailure records a failure at the current time.
func (c *Counter) RecordFailure() {
	c.record(c.timeNow(), false)
}

// record adds one event at timestamp t. Late events (t before the earliest
// live bucket) are silently discarded, per spec §3/§8.
func (c *Counter) record(t time.Time, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	if t.Before(c.earliestLive(now)) {
		return
	}

	idx := c.bucketIndex(t)
	start := c.bucketStart(t)
	b := &c.buckets[idx]
	if !b.start.Equal(start) {
		// Bucket slot reused for a new time window: reset it.
		*b = bucket{start: start}
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

// Snapshot sums the buckets within [now-window, now], lazily dropping
// buckets that have fallen outside the window.
func (c *Counter) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.timeNow()
	earliest := c.earliestLive(now)
	var out Snapshot
	for i := range c.buckets {
		b := &c.buckets[i]
		if b.start.IsZero() || b.start.Before(earliest) {
			continue
		}
		out.Successes += b.successes
		out.Failures += b.failures
	}
	return out
}

// Reset clears all recorded counts.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.buckets {
		c.buckets[i] = bucket{}
	}
}
