// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's discardSLogger no-op pattern
// (slogger.go), applied here to the observability interfaces of spec §6
// instead of to structured logging.

package webengine

import (
	"net"

	"github.com/bassosimone/webengine/pool"
)

// CloseHint mirrors [pool.CloseReason], named per spec §6's close_hint
// enumeration.
type CloseHint = pool.CloseReason

// ConnectionEvent carries the fields spec §6's ConnectionEventListener
// passes to every callback: protocol, addresses, attributes, and (for
// close events only) the reason the connection went away.
type ConnectionEvent struct {
	Protocol   pool.Protocol
	RemoteAddr net.Addr
	LocalAddr  net.Addr
	Attributes map[string]any
	CloseHint  CloseHint
}

// ConnectionEventListener observes a session's lifecycle, per spec §6.
type ConnectionEventListener interface {
	// OnPending fires when a connect attempt has started but not yet
	// completed.
	OnPending(ev ConnectionEvent)
	// OnOpened fires once the transport connection is established
	// (TCP/TLS complete), before the H1/H2 preface handshake.
	OnOpened(ev ConnectionEvent)
	// OnActive fires once the session is ready to serve requests.
	OnActive(ev ConnectionEvent)
	// OnIdle fires whenever the session's unfinished stream count drops
	// to zero.
	OnIdle(ev ConnectionEvent)
	// OnFailed fires when opening the connection failed.
	OnFailed(ev ConnectionEvent)
	// OnClosed fires once the session is fully closed; ev.CloseHint
	// explains why.
	OnClosed(ev ConnectionEvent)
}

// NopConnectionEventListener implements [ConnectionEventListener] with
// every method a no-op, following the teacher's discardSLogger idiom.
type NopConnectionEventListener struct{}

var _ ConnectionEventListener = NopConnectionEventListener{}

// OnPending implements [ConnectionEventListener].
func (NopConnectionEventListener) OnPending(ConnectionEvent) {}

// OnOpened implements [ConnectionEventListener].
func (NopConnectionEventListener) OnOpened(ConnectionEvent) {}

// OnActive implements [ConnectionEventListener].
func (NopConnectionEventListener) OnActive(ConnectionEvent) {}

// OnIdle implements [ConnectionEventListener].
func (NopConnectionEventListener) OnIdle(ConnectionEvent) {}

// OnFailed implements [ConnectionEventListener].
func (NopConnectionEventListener) OnFailed(ConnectionEvent) {}

// OnClosed implements [ConnectionEventListener].
func (NopConnectionEventListener) OnClosed(ConnectionEvent) {}

// ConnectionPoolListener observes pool-level keep-alive PING traffic, per
// spec §6.
type ConnectionPoolListener interface {
	// OnPingSent fires when a PING with the given id is issued.
	OnPingSent(protocol pool.Protocol, remote, local net.Addr, attrs map[string]any, id uint64)
	// OnPingAcknowledged fires when the peer acknowledges id. The set of
	// acknowledged ids is always a subset of sent ids, per spec §8.
	OnPingAcknowledged(protocol pool.Protocol, remote, local net.Addr, attrs map[string]any, id uint64)
}

// NopConnectionPoolListener implements [ConnectionPoolListener] with every
// method a no-op.
type NopConnectionPoolListener struct{}

var _ ConnectionPoolListener = NopConnectionPoolListener{}

// OnPingSent implements [ConnectionPoolListener].
func (NopConnectionPoolListener) OnPingSent(pool.Protocol, net.Addr, net.Addr, map[string]any, uint64) {
}

// OnPingAcknowledged implements [ConnectionPoolListener].
func (NopConnectionPoolListener) OnPingAcknowledged(pool.Protocol, net.Addr, net.Addr, map[string]any, uint64) {
}

// RequestLogListener observes [RequestLog] property transitions, per spec
// §3/§6. Registering one is equivalent to calling [RequestLog.Observe]
// for every property.
type RequestLogListener interface {
	OnProperty(log *RequestLog, prop Property)
}

// RequestLogListenerFunc adapts a function to [RequestLogListener].
type RequestLogListenerFunc func(log *RequestLog, prop Property)

// OnProperty implements [RequestLogListener].
func (f RequestLogListenerFunc) OnProperty(log *RequestLog, prop Property) { f(log, prop) }
