// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the ratewindow.Counter this shares with the connection
// pool's outlier detector (itself grounded on github.com/bassosimone/nop's
// structured event bookkeeping), here driving a three-state machine
// instead of a pass/fail mark.

// Package breaker implements a per-key circuit breaker over a sliding
// window of successes and failures, per spec §4.8.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/bassosimone/webengine/ratewindow"
)

// State is one of the three circuit breaker states.
type State int

const (
	// Closed lets every request through and feeds the sliding window.
	Closed State = iota
	// Open rejects every request with [ErrFailFast].
	Open
	// HalfOpen lets a single probe request through per TrialInterval.
	HalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrFailFast is returned by [Breaker.Allow] when the circuit is Open (or
// HalfOpen with a probe already outstanding), per spec §4.8. The request
// never touches the transport.
var ErrFailFast = errors.New("breaker: circuit open, failing fast")

// Config configures a [Breaker].
type Config struct {
	// MinimumRequestThreshold is the minimum number of requests observed
	// in the window before the failure rate is evaluated at all.
	MinimumRequestThreshold int64

	// FailureRateThreshold trips Closed->Open once met or exceeded.
	FailureRateThreshold float64

	// Window and BucketSize configure the underlying sliding window.
	Window     time.Duration
	BucketSize time.Duration

	// OpenWindow is how long the breaker stays Open before trying
	// HalfOpen.
	OpenWindow time.Duration

	// TrialInterval is the minimum spacing between HalfOpen probes.
	TrialInterval time.Duration

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time
}

// NewConfig returns a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		MinimumRequestThreshold: 10,
		FailureRateThreshold:    0.5,
		Window:                  30 * time.Second,
		BucketSize:              5 * time.Second,
		OpenWindow:              30 * time.Second,
		TrialInterval:           10 * time.Second,
		TimeNow:                 time.Now,
	}
}

// Key identifies a circuit breaker scope: per-host, per-method, or
// per-host-and-method, per spec §4.8.
type Key struct {
	Host   string
	Method string
}

// Breaker is a single Closed/Open/HalfOpen circuit breaker over one
// sliding window, per spec §4.8. Construct one per key (host, method, or
// host+method) via a [Registry].
type Breaker struct {
	cfg     *Config
	counter *ratewindow.Counter

	mu            sync.Mutex
	state         State
	openedAt      time.Time
	lastTrialAt   time.Time
	probeOutstand bool
}

// New returns a [*Breaker] starting Closed.
func New(cfg *Config) *Breaker {
	return &Breaker{
		cfg:     cfg,
		counter: ratewindow.New(cfg.Window, cfg.BucketSize, cfg.TimeNow),
		state:   Closed,
	}
}

// Allow reports whether a request may proceed. When it returns a
// non-nil error, the caller must not touch the transport and must
// surface [ErrFailFast] (wrapped as needed) to the request's caller.
// A nil-returning Allow in the HalfOpen state reserves the single
// outstanding probe slot; the caller must report the outcome via
// [Breaker.RecordSuccess] or [Breaker.RecordFailure].
func (b *Breaker) Allow() error {
	now := b.cfg.TimeNow()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Open:
		if now.Sub(b.openedAt) < b.cfg.OpenWindow {
			return ErrFailFast
		}
		b.state = HalfOpen
		fallthrough
	case HalfOpen:
		if b.probeOutstand || now.Sub(b.lastTrialAt) < b.cfg.TrialInterval {
			return ErrFailFast
		}
		b.probeOutstand = true
		b.lastTrialAt = now
		return nil
	default:
		return nil
	}
}

// RecordSuccess reports a successful exchange. In HalfOpen this returns
// the breaker to Closed, per spec §4.8.
func (b *Breaker) RecordSuccess() {
	b.counter.RecordSuccess()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen {
		b.state = Closed
		b.probeOutstand = false
		b.counter.Reset()
	}
}

// RecordFailure reports a failed exchange. In HalfOpen this reopens the
// circuit for another OpenWindow. In Closed, it evaluates the sliding
// window and trips to Open once the failure-rate threshold is met.
func (b *Breaker) RecordFailure() {
	b.counter.RecordFailure()

	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.cfg.TimeNow()

	if b.state == HalfOpen {
		b.state = Open
		b.openedAt = now
		b.probeOutstand = false
		return
	}

	snap := b.counter.Snapshot()
	if snap.Total() >= b.cfg.MinimumRequestThreshold && snap.FailureRate() >= b.cfg.FailureRateThreshold {
		b.state = Open
		b.openedAt = now
	}
}

// State returns the breaker's current state, for tests and diagnostics.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
