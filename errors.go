// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's tls.go use of errors.As over a
// small fixed set of cause types (peerCerts), generalized here into the
// request-outcome taxonomy of spec §7.

package webengine

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/bassosimone/webengine/pool"
)

// Unprocessed wraps an error known to have occurred before any byte of the
// request reached the peer, per spec §7. Callers use [IsUnprocessed] to
// decide whether a retry is safe regardless of request idempotency.
type Unprocessed struct {
	Cause error
}

// Error implements the error interface.
func (e *Unprocessed) Error() string {
	return fmt.Sprintf("webengine: request not processed: %s", e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *Unprocessed) Unwrap() error {
	return e.Cause
}

// IsUnprocessed reports whether err is, or wraps, an [*Unprocessed].
func IsUnprocessed(err error) bool {
	var u *Unprocessed
	return errors.As(err, &u)
}

// TimeoutKind distinguishes the timeout causes named in spec §7. All are
// classified as "timeout" for retry rules.
type TimeoutKind int

const (
	// ConnectTimeoutKind is a TCP connect that did not complete in time.
	ConnectTimeoutKind TimeoutKind = iota
	// ResponseTimeoutKind is a response that did not complete within
	// response_timeout, measured from request-end per spec §4.7.
	ResponseTimeoutKind
	// DNSTimeoutKind is a DNS resolution that did not complete in time.
	DNSTimeoutKind
	// ProxyConnectTimeoutKind is a CONNECT to a forward proxy that did not
	// complete in time.
	ProxyConnectTimeoutKind
	// WriteTimeoutKind is a per-write deadline (spec §6's write_timeout_ms)
	// that elapsed mid-body. Not named in spec §7's enumerated timeout
	// kinds but classified identically for retry purposes.
	WriteTimeoutKind
)

// String implements fmt.Stringer.
func (k TimeoutKind) String() string {
	switch k {
	case ConnectTimeoutKind:
		return "connect_timeout"
	case ResponseTimeoutKind:
		return "response_timeout"
	case DNSTimeoutKind:
		return "dns_timeout"
	case ProxyConnectTimeoutKind:
		return "proxy_connect_timeout"
	case WriteTimeoutKind:
		return "write_timeout"
	default:
		return "timeout"
	}
}

// TimeoutError is returned for any of the timeout kinds named in spec §7.
type TimeoutError struct {
	Kind  TimeoutKind
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("webengine: %s: %s", e.Kind, e.Cause)
	}
	return fmt.Sprintf("webengine: %s", e.Kind)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// Timeout reports true, satisfying the conventional net.Error contract.
func (e *TimeoutError) Timeout() bool { return true }

// IsTimeout reports whether err is, or wraps, a [*TimeoutError].
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// ClosedSession is a mid-flight disconnect at the connection level.
// Committed reports whether any request bytes had already reached the
// wire, which determines retry safety: a Committed close is only safely
// retried for idempotent methods, per spec §7.
type ClosedSession struct {
	Committed bool
	Cause     error
}

// Error implements the error interface.
func (e *ClosedSession) Error() string {
	return fmt.Sprintf("webengine: session closed (committed=%v): %s", e.Committed, e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *ClosedSession) Unwrap() error { return e.Cause }

// ClosedStream is a mid-flight disconnect scoped to a single H2 stream
// rather than the whole session. See [ClosedSession] for Committed.
type ClosedStream struct {
	Committed bool
	Cause     error
}

// Error implements the error interface.
func (e *ClosedStream) Error() string {
	return fmt.Sprintf("webengine: stream closed (committed=%v): %s", e.Committed, e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *ClosedStream) Unwrap() error { return e.Cause }

// GoAwayReceived is the cause wrapped in [Unprocessed] for any stream with
// id greater than the GOAWAY frame's last_stream_id, per spec §4.6/§4.4.
type GoAwayReceived struct {
	LastStreamID uint32
}

// Error implements the error interface.
func (e *GoAwayReceived) Error() string {
	return fmt.Sprintf("webengine: GOAWAY received, last_stream_id=%d", e.LastStreamID)
}

// WrapGoAway builds the standard [*Unprocessed] wrapping a
// [*GoAwayReceived] for lastStreamID, per spec §4.4/§4.6.
func WrapGoAway(lastStreamID uint32) *Unprocessed {
	return &Unprocessed{Cause: &GoAwayReceived{LastStreamID: lastStreamID}}
}

// IsGoAway reports whether err is, or wraps, a [*GoAwayReceived].
func IsGoAway(err error) bool {
	var g *GoAwayReceived
	return errors.As(err, &g)
}

// ErrResponseComplete is the default cause used to abort a still-open
// request stream once its response has completed, per spec §4.7 step 5.
var ErrResponseComplete = errors.New("webengine: response complete")

// InvalidHttpResponse is returned for transforms that fail to interpret a
// response (e.g. a decode error, or a non-2xx status when an entity was
// expected). It carries the original aggregated response, per spec §7.
type InvalidHttpResponse struct {
	Response *http.Response
	Cause    error
}

// Error implements the error interface.
func (e *InvalidHttpResponse) Error() string {
	code := 0
	if e.Response != nil {
		code = e.Response.StatusCode
	}
	return fmt.Sprintf("webengine: invalid HTTP response (status=%d): %s", code, e.Cause)
}

// Unwrap supports errors.Is/errors.As against Cause.
func (e *InvalidHttpResponse) Unwrap() error { return e.Cause }

// ErrTooManyPendingAcquisitions is returned (always wrapped in
// [Unprocessed]) when the pool's admission control rejects a new
// acquisition, per spec §4.4. It is the same sentinel the pool package
// uses internally; re-exported here so callers need only import the root
// package to classify failures.
var ErrTooManyPendingAcquisitions = pool.ErrTooManyPendingAcquisitions

// ErrFailFast is returned by a circuit breaker in the Open state, per
// spec §4.8. The request never touches the transport.
var ErrFailFast = errors.New("webengine: circuit open, failing fast")

// ErrEmptyEndpointGroup is returned when an [endpoint.Group]'s
// current snapshot has no members to select from, per spec §4.2.
var ErrEmptyEndpointGroup = errors.New("webengine: empty endpoint group")

// ErrIllegalState is returned by [Push] when the current-context stack
// invariants of spec §5 are violated.
var ErrIllegalState = errors.New("webengine: illegal client-context state")

// ErrRedirectLoop is returned by [Follow] when a redirect chain revisits
// the same (method, absolute-URI) pair, per spec §4.7.2.
var ErrRedirectLoop = errors.New("webengine: redirect loop detected")
