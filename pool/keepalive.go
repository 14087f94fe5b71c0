// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's cancelwatch.go (monotonic
// deadline/timer bookkeeping idiom) generalized to periodic ping and
// idle-timeout tracking.

package pool

import (
	"sync"
	"time"
)

// Pinger issues a keep-alive probe on a session. The h1 package's
// sessions have no native ping and only implement idle-timeout eviction;
// the h2 package's sessions implement this with HTTP/2 PING frames.
type Pinger interface {
	// Ping sends a ping carrying id and returns once sent. The session
	// implementation is responsible for matching the eventual ack to id.
	Ping(id uint64) error

	// LastAckedPing returns the highest ping id acknowledged so far.
	LastAckedPing() uint64
}

// KeepAliveConfig configures a [KeepAliveManager].
type KeepAliveConfig struct {
	// IdleTimeout closes a session that has had zero unfinished streams
	// for this long.
	IdleTimeout time.Duration

	// MaxConnectionAge closes a session this old regardless of activity.
	MaxConnectionAge time.Duration

	// PingInterval, if positive, sends a keep-alive ping this often on
	// otherwise-idle sessions implementing [Pinger].
	PingInterval time.Duration

	// PingTimeout is how long an unacknowledged ping is tolerated before
	// the session is closed.
	PingTimeout time.Duration

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time
}

// NewKeepAliveConfig returns a [*KeepAliveConfig] with sensible defaults.
func NewKeepAliveConfig() *KeepAliveConfig {
	return &KeepAliveConfig{
		IdleTimeout:      90 * time.Second,
		MaxConnectionAge: 0,
		PingInterval:     0,
		PingTimeout:      10 * time.Second,
		TimeNow:          time.Now,
	}
}

// tracked is the per-session bookkeeping the manager maintains.
type tracked struct {
	key         PoolKey
	session     Session
	openedAt    time.Time
	idleSince   time.Time
	hasIdle     bool
	lastPingID  uint64
	pingSentAt  time.Time
	awaitingAck bool
}

// KeepAliveManager evicts idle, aged out, or ping-timed-out sessions from
// a [Pool], per spec §4.8. It is driven by repeated calls to Tick, kept
// deliberately free of its own goroutine/timer so tests can step time
// manually.
type KeepAliveManager struct {
	cfg  *KeepAliveConfig
	pool *Pool

	mu       sync.Mutex
	tracking map[Session]*tracked
	nextPing uint64
}

// NewKeepAliveManager returns a [*KeepAliveManager] evicting from pool.
func NewKeepAliveManager(cfg *KeepAliveConfig, pool *Pool) *KeepAliveManager {
	return &KeepAliveManager{cfg: cfg, pool: pool, tracking: make(map[Session]*tracked)}
}

// Track begins tracking session, opened under key, for idle/age/ping
// eviction. Call once per session right after [Pool.Acquire] first opens
// it (i.e. from the [Opener]).
func (m *KeepAliveManager) Track(key PoolKey, session Session) {
	now := m.cfg.TimeNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tracking[session] = &tracked{key: key, session: session, openedAt: now}
}

// Untrack stops tracking session, e.g. once it has been closed.
func (m *KeepAliveManager) Untrack(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tracking, session)
}

// NoteIdle must be called whenever a session transitions to zero
// unfinished streams (i.e. [Pool.Release] observed idle==true).
func (m *KeepAliveManager) NoteIdle(session Session) {
	now := m.cfg.TimeNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracking[session]; ok {
		t.idleSince, t.hasIdle = now, true
	}
}

// NoteActive must be called whenever a session is acquired out of the
// idle state.
func (m *KeepAliveManager) NoteActive(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracking[session]; ok {
		t.hasIdle, t.awaitingAck = false, false
	}
}

// NoteAck must be called when a session (implementing [Pinger]) receives
// a ping acknowledgment, so the manager can clear awaitingAck early
// rather than waiting for the next Tick.
func (m *KeepAliveManager) NoteAck(session Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tracking[session]; ok {
		t.awaitingAck = false
	}
}

// Tick evaluates every tracked session against the idle timeout, max
// connection age, and ping timeout, closing and evicting any that
// exceed them, and issuing new pings where due. It returns the sessions
// closed in this tick.
func (m *KeepAliveManager) Tick() []Session {
	now := m.cfg.TimeNow()

	m.mu.Lock()
	var toClose []*tracked
	var toPing []*tracked
	for _, t := range m.tracking {
		pingBase := t.idleSince
		if t.pingSentAt.After(pingBase) {
			pingBase = t.pingSentAt
		}
		switch {
		case t.awaitingAck && m.cfg.PingTimeout > 0 && now.Sub(t.pingSentAt) >= m.cfg.PingTimeout:
			toClose = append(toClose, t)
		case t.hasIdle && m.cfg.IdleTimeout > 0 && now.Sub(t.idleSince) >= m.cfg.IdleTimeout:
			toClose = append(toClose, t)
		case m.cfg.MaxConnectionAge > 0 && now.Sub(t.openedAt) >= m.cfg.MaxConnectionAge:
			toClose = append(toClose, t)
		case t.hasIdle && !t.awaitingAck && m.cfg.PingInterval > 0 && now.Sub(pingBase) >= m.cfg.PingInterval:
			toPing = append(toPing, t)
		}
	}
	for _, t := range toClose {
		delete(m.tracking, t.session)
	}
	for _, t := range toPing {
		m.nextPing++
		t.lastPingID = m.nextPing
		t.pingSentAt = now
		t.awaitingAck = true
	}
	m.mu.Unlock()

	closed := make([]Session, 0, len(toClose))
	for _, t := range toClose {
		reason := closeReasonFor(t, now, m.cfg)
		m.pool.Evict(t.key, t.session)
		t.session.Close(reason)
		closed = append(closed, t.session)
	}
	for _, t := range toPing {
		if p, ok := t.session.(Pinger); ok {
			p.Ping(t.lastPingID)
		}
	}
	return closed
}

func closeReasonFor(t *tracked, now time.Time, cfg *KeepAliveConfig) CloseReason {
	switch {
	case t.awaitingAck && cfg.PingTimeout > 0 && now.Sub(t.pingSentAt) >= cfg.PingTimeout:
		return ClosePingTimeout
	case t.hasIdle && cfg.IdleTimeout > 0 && now.Sub(t.idleSince) >= cfg.IdleTimeout:
		return CloseConnectionIdle
	default:
		return CloseMaxConnectionAge
	}
}
