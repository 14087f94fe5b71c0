// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's httpconn.go (*HTTPConn
// round-trip wrapper with structured logging), generalized here into a
// strictly serial [pool.Session] implementation.

// Package h1 implements the HTTP/1.1 session: strictly serial request
// execution over a single connection, with request framing per spec §4.6.
package h1

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/bassosimone/nop"
	"github.com/bassosimone/webengine/pool"
)

// Session is an HTTP/1.1 connection. It implements [pool.Session] with
// MaxConcurrentStreams always 1: only one request at a time may be
// in-flight, enforced by mu.
type Session struct {
	conn *nop.HTTPConn

	mu         sync.Mutex
	unfinished int32
	closed     bool
}

// New wraps conn (already connected and, for HTTPS, TLS-handshaked) into
// an HTTP/1.1 [*Session].
func New(conn *nop.HTTPConn) *Session {
	return &Session{conn: conn}
}

var _ pool.Session = &Session{}

// Protocol implements [pool.Session].
func (s *Session) Protocol() pool.Protocol { return pool.H1 }

// TryAcquire implements [pool.Session]. Only one caller may hold the
// session at a time.
func (s *Session) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.unfinished != 0 {
		return false
	}
	s.unfinished = 1
	return true
}

// Release implements [pool.Session].
func (s *Session) Release() (idle bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unfinished = 0
	return true
}

// Acquirable implements [pool.Session].
func (s *Session) Acquirable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// MaxConcurrentStreams implements [pool.Session]. Always 1 for HTTP/1.1.
func (s *Session) MaxConcurrentStreams() int32 { return 1 }

// Close implements [pool.Session].
func (s *Session) Close(reason pool.CloseReason) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.conn.Close()
}

// RoundTrip executes req and returns its response, applying spec §4.6's
// request framing: collapsing repeated slashes in the request path and
// suppressing Content-Length/Transfer-Encoding headers on
// bodyless requests. It must only be called after a successful
// TryAcquire, and the caller must call [Session.Release] (directly or via
// [pool.Pool.Release]) once done, even on error.
func (s *Session) RoundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	normalizePath(req)
	suppressEmptyBodyFraming(req)
	return s.conn.RoundTrip(req.WithContext(ctx))
}

// normalizePath collapses every run of repeated slashes in req.URL.Path
// into a single slash, per spec §4.6 (some origin servers reject "//foo"
// style paths). The query string is not touched.
func normalizePath(req *http.Request) {
	p := req.URL.Path
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	req.URL.Path = p
}

// suppressEmptyBodyFraming removes framing headers that make no sense on
// a request with no body, per spec §4.6.
func suppressEmptyBodyFraming(req *http.Request) {
	if req.Body != nil && req.Body != http.NoBody {
		return
	}
	if req.ContentLength == 0 {
		req.Header.Del("Content-Length")
		req.Header.Del("Transfer-Encoding")
	}
}
