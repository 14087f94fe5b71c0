// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's httpconn.go ALPN-based
// transport selection (h2 branch), generalized here into a dedicated
// HTTP/2 [pool.Session] that owns its own [*http2.ClientConn] instead of
// hiding it behind [http.RoundTripper], since GOAWAY and
// MAX_CONCURRENT_STREAMS tracking need the lower-level handle.

// Package h2 implements the HTTP/2 session: stream multiplexing over a
// single connection, SETTINGS-driven concurrency, PING-based keep-alive
// and GOAWAY draining, per spec §4.6/§4.7.
package h2

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/bassosimone/webengine/pool"
	"golang.org/x/net/http2"
)

// initialMaxConcurrentStreams is the ceiling reported until the peer's
// first SETTINGS frame has been processed, per spec §4.6: a stream must
// not be opened before then, so the pool sees capacity of exactly 1.
// [http2.ClientConnState.MaxConcurrentStreams] documents zero as meaning
// exactly this: no SETTINGS frame has been received yet.
const initialMaxConcurrentStreams = 1

// GoAwayError reports that the session's peer sent a GOAWAY frame, per
// spec §4.6/§4.4. LastStreamID is the highest stream id the peer
// processed; any request assigned a higher id was never sent to the
// peer and is always safe to retry regardless of method idempotency.
type GoAwayError struct {
	LastStreamID uint32
	Cause        error
}

// Error implements the error interface.
func (e *GoAwayError) Error() string {
	return fmt.Sprintf("h2: GOAWAY received, last_stream_id=%d: %s", e.LastStreamID, e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *GoAwayError) Unwrap() error { return e.Cause }

// Session is an HTTP/2 connection multiplexing many streams, implementing
// [pool.Session].
type Session struct {
	conn net.Conn
	cc   *http2.ClientConn
	txp  *http2.Transport

	unfinished int32 // atomic

	mu           sync.Mutex
	acquirable   bool
	lastStreamID uint32
	gotGoAway    bool

	// OnPingAck, if set, is invoked (off the caller's goroutine) whenever a
	// PING issued through Ping is acknowledged. Wired by the client layer
	// to a [*pool.KeepAliveManager]'s NoteAck.
	OnPingAck func(id uint64)
}

// New builds an HTTP/2 [*Session] over conn, an already TLS-handshaked
// (or prior-knowledge cleartext) connection. txp is shared across
// sessions dialed to different authorities; it need not be, and should
// not be, the same *http2.Transport that backs a [pool.Opener]'s HTTP/1.1
// fallback path.
func New(txp *http2.Transport, conn net.Conn) (*Session, error) {
	cc, err := txp.NewClientConn(conn)
	if err != nil {
		return nil, err
	}
	s := &Session{conn: conn, cc: cc, txp: txp, acquirable: true}
	return s, nil
}

var _ pool.Session = &Session{}

// Protocol implements [pool.Session].
func (s *Session) Protocol() pool.Protocol { return pool.H2 }

// TryAcquire implements [pool.Session]. It reserves a stream slot only if
// the connection still accepts new requests and is under its currently
// advertised concurrency budget.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquirable || !s.cc.CanTakeNewRequest() {
		return false
	}
	if atomic.LoadInt32(&s.unfinished) >= s.MaxConcurrentStreams() {
		return false
	}
	atomic.AddInt32(&s.unfinished, 1)
	return true
}

// Release implements [pool.Session].
func (s *Session) Release() (idle bool) {
	return atomic.AddInt32(&s.unfinished, -1) == 0
}

// Acquirable implements [pool.Session]. False once GOAWAY has been
// observed (the underlying [*http2.ClientConn] stops accepting new
// requests) or the session was explicitly closed.
func (s *Session) Acquirable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquirable && s.cc.CanTakeNewRequest()
}

// MaxConcurrentStreams implements [pool.Session]. Reports 1 until the
// peer's first SETTINGS frame has been observed, per spec §4.6;
// afterwards it reflects the peer's most recently advertised limit.
// [*http2.ClientConn.State] is [http2.Transport]'s own live view of the
// connection's negotiated SETTINGS, updated as SETTINGS frames arrive on
// the read loop; there is no separate frame hook to wire this from.
func (s *Session) MaxConcurrentStreams() int32 {
	return maxConcurrentStreamsFromState(s.cc.State())
}

// maxConcurrentStreamsFromState implements [Session.MaxConcurrentStreams]
// against an already-read [http2.ClientConnState], split out so the
// before/after-SETTINGS logic is testable without a live connection.
func maxConcurrentStreamsFromState(st http2.ClientConnState) int32 {
	if st.Closed || st.Closing {
		return 0
	}
	if st.MaxConcurrentStreams == 0 {
		return initialMaxConcurrentStreams
	}
	return int32(st.MaxConcurrentStreams)
}

// LastStreamID reports the highest stream id the peer has acknowledged
// processing, valid once a GOAWAY frame has been received.
func (s *Session) LastStreamID() (id uint32, received bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStreamID, s.gotGoAway
}

// Close implements [pool.Session].
func (s *Session) Close(reason pool.CloseReason) error {
	s.mu.Lock()
	if !s.acquirable {
		s.mu.Unlock()
		return nil
	}
	s.acquirable = false
	s.mu.Unlock()
	return s.cc.Close()
}

// Ping implements [pool.Pinger] by issuing an HTTP/2 PING and reporting
// the acknowledgment asynchronously via OnPingAck.
func (s *Session) Ping(id uint64) error {
	go func() {
		if err := s.cc.Ping(context.Background()); err == nil && s.OnPingAck != nil {
			s.OnPingAck(id)
		}
	}()
	return nil
}

// LastAckedPing implements [pool.Pinger]. It always returns 0: the
// session does not record acknowledged ping ids, and reports each
// acknowledgment only through OnPingAck.
func (s *Session) LastAckedPing() uint64 { return 0 }

// RoundTrip executes req over this session's multiplexed connection. If
// the peer has sent GOAWAY and req's stream was never processed, it
// returns a [*GoAwayError] instead of [*http2.ClientConn.RoundTrip]'s own
// error, per spec §4.6/§4.4.
func (s *Session) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := s.cc.RoundTrip(req)
	if err == nil {
		return resp, nil
	}
	return nil, s.translateGoAway(err)
}

// translateGoAway records last_stream_id and marks the session
// unacquirable when err wraps [http2.GoAwayError], returning a
// [*GoAwayError] in its place; any other error passes through unchanged.
func (s *Session) translateGoAway(err error) error {
	var goAway http2.GoAwayError
	if !errors.As(err, &goAway) {
		return err
	}
	s.mu.Lock()
	s.gotGoAway = true
	s.lastStreamID = goAway.LastStreamID
	s.acquirable = false
	s.mu.Unlock()
	return &GoAwayError{LastStreamID: goAway.LastStreamID, Cause: err}
}
