// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's Start/Done structured-log-span
// pairing idiom (connect.go, tls.go, httpconn.go), generalized here from a
// pair of log calls into an append-only, per-property observable record.

package webengine

import "sync"

// Property identifies one field of a [RequestLog], per spec §3.
type Property int

const (
	// PropertyRequestHeaders records the outgoing request headers, set
	// once they are materialized (spec §4.7 step 1).
	PropertyRequestHeaders Property = iota
	// PropertyRequestFirstBytes records the time the first body bytes
	// were written to the wire.
	PropertyRequestFirstBytes
	// PropertyRequestEnd records the terminal outcome (nil or error) of
	// writing the request.
	PropertyRequestEnd
	// PropertyResponseHeaders records the incoming response headers.
	PropertyResponseHeaders
	// PropertyResponseFirstBytes records the time the first response body
	// bytes were read.
	PropertyResponseFirstBytes
	// PropertyResponseEnd records the terminal outcome of reading the
	// response.
	PropertyResponseEnd
	// PropertySession records which [pool.Session] served the request.
	PropertySession

	numProperties
)

// RequestLog is an append-only record of a request's properties. Each
// property transitions exactly once from absent to present; observers
// registered for a property are invoked, in registration order, as soon
// as it becomes available, per spec §3/§5.
//
// The zero value is not ready to use; construct with [NewRequestLog].
type RequestLog struct {
	mu        sync.Mutex
	present   [numProperties]bool
	values    [numProperties]any
	observers [numProperties][]func(*RequestLog, Property)

	doneOnce sync.Once
	doneCh   chan struct{}
}

// NewRequestLog returns an empty [*RequestLog].
func NewRequestLog() *RequestLog {
	return &RequestLog{doneCh: make(chan struct{})}
}

// Set records value for prop if prop is not already present, then invokes
// every observer registered for prop, in registration order. Calling Set
// again for an already-present property is a no-op: each property
// transitions exactly once, per spec §3.
func (l *RequestLog) Set(prop Property, value any) {
	l.mu.Lock()
	if l.present[prop] {
		l.mu.Unlock()
		return
	}
	l.present[prop] = true
	l.values[prop] = value
	observers := append([]func(*RequestLog, Property){}, l.observers[prop]...)
	l.mu.Unlock()

	for _, fn := range observers {
		fn(l, prop)
	}
}

// Get returns the recorded value for prop, and whether it is present.
func (l *RequestLog) Get(prop Property) (value any, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.values[prop], l.present[prop]
}

// Observe registers fn to run as soon as prop becomes present. If prop is
// already present, fn runs synchronously before Observe returns. Multiple
// observers of the same property run in registration order, per spec §5.
func (l *RequestLog) Observe(prop Property, fn func(*RequestLog, Property)) {
	l.mu.Lock()
	if l.present[prop] {
		l.mu.Unlock()
		fn(l, prop)
		return
	}
	l.observers[prop] = append(l.observers[prop], fn)
	l.mu.Unlock()
}

// Complete marks the log finished, once both the request and response
// directions have terminated, per spec §4.7 step 6. Idempotent.
func (l *RequestLog) Complete() {
	l.doneOnce.Do(func() { close(l.doneCh) })
}

// Done returns a channel closed once [RequestLog.Complete] has run.
func (l *RequestLog) Done() <-chan struct{} {
	return l.doneCh
}
