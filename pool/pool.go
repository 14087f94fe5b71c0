// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's Func/Compose pipeline idiom
// (func.go, compose.go) for the connection-opening pipeline, and its
// Config-with-defaults idiom (config.go) for [Config].

// Package pool implements the connection pool: acquisition, eviction,
// keep-alive, outlier detection, GOAWAY handling and MAX_CONCURRENT_STREAMS
// back-pressure, per spec §4.4.
package pool

import (
	"context"
	"errors"
	"net/netip"
	"sync"
)

// Protocol identifies the wire protocol a [PoolKey]/[Session] uses.
type Protocol int

const (
	// H1 is HTTP/1.1 over TLS (i.e. https:// without h2).
	H1 Protocol = iota
	// H1C is cleartext HTTP/1.1.
	H1C
	// H2 is HTTP/2 over TLS.
	H2
	// H2C is cleartext HTTP/2 (prior-knowledge or upgraded).
	H2C
)

// PoolKey identifies an interchangeable set of sessions, per spec §3.
type PoolKey struct {
	Protocol     Protocol
	IP           netip.Addr
	Port         uint16
	SNI          string
	TLSProfileID string
}

// CloseReason records why a session was closed, surfaced to
// [ConnectionEventListener] as close_hint, per spec §6.
type CloseReason int

const (
	// CloseUnknown is used when no more specific reason applies.
	CloseUnknown CloseReason = iota
	// CloseConnectionIdle means the idle timeout elapsed.
	CloseConnectionIdle
	// ClosePingTimeout means a PING was not acknowledged in time.
	ClosePingTimeout
	// CloseMaxConnectionAge means the connection exceeded its max age.
	CloseMaxConnectionAge
	// CloseGoAway means the peer sent GOAWAY.
	CloseGoAway
	// CloseAbnormal means the connection failed unexpectedly.
	CloseAbnormal
)

// Session is a transport connection handed out by the pool. Implemented
// by the h1 and h2 packages' session types, keeping the pool itself
// transport-agnostic, per spec §3/§9 (cyclic references broken by arena
// rather than back-pointer: the pool holds Session values, never the
// reverse).
type Session interface {
	// Protocol returns the actual negotiated protocol, which may differ
	// from the requested one after an H1->H2 upgrade.
	Protocol() Protocol

	// TryAcquire attempts to reserve one stream slot. It returns false
	// when the session is not acquirable or is already at
	// MaxConcurrentStreams.
	TryAcquire() bool

	// Release gives back one stream slot reserved by TryAcquire. idle
	// reports whether the session now has zero unfinished streams.
	Release() (idle bool)

	// Acquirable reports whether the pool may hand this session out at
	// all (false once GOAWAY/outlier/shutdown has been observed).
	Acquirable() bool

	// MaxConcurrentStreams returns the current concurrency budget. Per
	// spec §4.6, this is reported as 1 until the first H2 SETTINGS frame
	// is acknowledged.
	MaxConcurrentStreams() int32

	// Close closes the session for the given reason. Idempotent.
	Close(reason CloseReason) error
}

// Opener opens a new [Session] for the given key. DNS resolution, TCP
// connect, TLS handshake and H1<->H2 negotiation are the opener's
// responsibility; the pool only orchestrates when to call it.
type Opener interface {
	Open(ctx context.Context, key PoolKey) (Session, error)
}

// ErrTooManyPendingAcquisitions is wrapped in [UnprocessedRequest] when
// admission control rejects a new acquisition, per spec §4.4.
var ErrTooManyPendingAcquisitions = errors.New("pool: too many pending acquisitions")

// Config configures a [Pool].
type Config struct {
	// MaxPendingAcquisitions caps concurrent in-flight connect attempts
	// queued against a single key. Zero means new acquisitions fail
	// immediately once one connect attempt is already in flight.
	MaxPendingAcquisitions int
}

// NewConfig returns a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{MaxPendingAcquisitions: 16}
}

// bucket is the per-key pool state.
type bucket struct {
	mu       sync.Mutex
	sessions []Session

	// connecting is non-nil while a connect attempt for this key is in
	// flight; waiters queue on it in FIFO order.
	connecting *connectAttempt
	pending    int
}

// connectAttempt tracks one in-flight Open call and the FIFO of waiters.
type connectAttempt struct {
	done    chan struct{}
	session Session
	err     error
}

// Pool is a map PoolKey -> []Session plus a set of in-flight connect
// attempts, per spec §4.4.
type Pool struct {
	cfg    *Config
	opener Opener

	mu      sync.Mutex
	buckets map[PoolKey]*bucket
}

// New returns a [*Pool] using cfg and opener.
func New(cfg *Config, opener Opener) *Pool {
	return &Pool{cfg: cfg, opener: opener, buckets: make(map[PoolKey]*bucket)}
}

func (p *Pool) bucketFor(key PoolKey) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

// Acquire returns an acquirable [Session] for key, reusing an idle one if
// available, joining an in-flight connect if queuing is allowed, or
// opening a new connection, per spec §4.4. Acquisition within a key is
// FIFO with respect to queued callers of an in-flight connect. Each queued
// caller reserves its own stream slot on the newly opened session; a
// caller that finds the session already full starts over (reuse, queue,
// or open another connection).
func (p *Pool) Acquire(ctx context.Context, key PoolKey) (Session, error) {
	b := p.bucketFor(key)

	b.mu.Lock()
	if s := p.firstAcquirable(b); s != nil {
		b.mu.Unlock()
		return s, nil
	}

	if b.connecting != nil {
		if b.pending >= p.cfg.MaxPendingAcquisitions {
			b.mu.Unlock()
			return nil, &UnprocessedRequest{Cause: ErrTooManyPendingAcquisitions}
		}
		b.pending++
		attempt := b.connecting
		b.mu.Unlock()
		s, err := p.awaitAttempt(ctx, b, attempt)
		if err != nil {
			return nil, err
		}
		if s.Acquirable() && s.TryAcquire() {
			return s, nil
		}
		return p.Acquire(ctx, key)
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	b.connecting = attempt
	b.mu.Unlock()

	p.runOpen(ctx, key, b, attempt)
	return p.awaitAttempt(ctx, b, attempt)
}

// firstAcquirable must be called with b.mu held. It returns the first
// acquirable session with spare stream capacity, reserving a slot on it.
func (p *Pool) firstAcquirable(b *bucket) Session {
	for _, s := range b.sessions {
		if s.Acquirable() && s.TryAcquire() {
			return s
		}
	}
	return nil
}

func (p *Pool) runOpen(ctx context.Context, key PoolKey, b *bucket, attempt *connectAttempt) {
	session, err := p.opener.Open(ctx, key)
	if err == nil {
		if !session.TryAcquire() {
			err = errSessionNotAcquirableAfterOpen
		}
	}

	b.mu.Lock()
	attempt.session, attempt.err = session, err
	if err == nil {
		b.sessions = append(b.sessions, session)
	}
	b.connecting = nil
	b.pending = 0
	b.mu.Unlock()

	close(attempt.done)
}

func (p *Pool) awaitAttempt(ctx context.Context, b *bucket, attempt *connectAttempt) (Session, error) {
	select {
	case <-attempt.done:
		if attempt.err != nil {
			return nil, attempt.err
		}
		return attempt.session, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

var errSessionNotAcquirableAfterOpen = errors.New("pool: newly opened session rejected its first acquisition")

// Release returns a reserved slot to the session and reports whether the
// session is now idle (zero unfinished streams), so callers can drive a
// [KeepAliveManager]'s NoteIdle. If the session is idle but no longer
// acquirable, it is closed and removed from the bucket here, and idle is
// still reported true (the caller should still call NoteIdle/Untrack as
// appropriate; closing is idempotent).
func (p *Pool) Release(key PoolKey, session Session) (idle bool) {
	idle = session.Release()
	if !idle {
		return false
	}
	if session.Acquirable() {
		return true
	}
	p.remove(key, session)
	session.Close(CloseAbnormal)
	return true
}

// remove deletes session from key's bucket, if present.
func (p *Pool) remove(key PoolKey, session Session) {
	b := p.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.sessions {
		if s == session {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			return
		}
	}
}

// Evict removes session from its bucket without closing it (the caller is
// expected to already be closing it, e.g. from a keep-alive timer).
func (p *Pool) Evict(key PoolKey, session Session) {
	p.remove(key, session)
}

// Sessions returns a snapshot of the sessions currently held for key, for
// tests and diagnostics.
func (p *Pool) Sessions(key PoolKey) []Session {
	b := p.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Session, len(b.sessions))
	copy(out, b.sessions)
	return out
}
