// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's spanid.go (UUIDv7 span
// identifiers via github.com/google/uuid and runtimex.PanicOnError1),
// reused here for [ClientRequestContext.ID].

package webengine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/webengine/endpoint"
	"github.com/bassosimone/webengine/pool"
	"github.com/google/uuid"
)

// ExchangeType hints whether the request and/or response are streamed
// versus aggregated in memory, per spec §3/§4.7.3.
type ExchangeType int

const (
	// Unary is a fixed request with an aggregated (non-streaming)
	// response, chosen explicitly by a blocking, aggregating caller.
	Unary ExchangeType = iota
	// RequestStreaming is a streamed request with an aggregated response.
	RequestStreaming
	// ResponseStreaming is a fixed request with a streamed response; the
	// default for a fixed-request call that does not ask for [Unary], per
	// spec §4.7.3.
	ResponseStreaming
	// BidiStreaming is a streamed request with a streamed response.
	BidiStreaming
)

// ServerContext is the minimal external collaborator representing a
// server-side scope that may be active when a client call is made, per
// spec §5/§9 "server context interop". Server-side routing and dispatch
// are out of scope (spec §1 Non-goals); only identity is needed here, so
// that a [ClientRequestContext] can record which server scope, if any, it
// was created under.
type ServerContext struct {
	id string
}

// NewServerContext returns a [*ServerContext] identified by id.
func NewServerContext(id string) *ServerContext {
	return &ServerContext{id: id}
}

// ID returns the identifier passed to [NewServerContext].
func (s *ServerContext) ID() string { return s.id }

// ClientRequestContext is per-request mutable state, per spec §3. It is
// pushed onto the current-context stack carried by a [context.Context]
// while user code and decorators run (see [Push]), and is mutated by
// decorators before the wire request is frozen.
type ClientRequestContext struct {
	// ID uniquely identifies this attempt. Derived contexts (see
	// [ClientRequestContext.Derive]) get a fresh ID.
	ID uuid.UUID

	// Protocol is the requested wire protocol for this call.
	Protocol pool.Protocol

	// Endpoint is the remote target this call resolves to.
	Endpoint endpoint.Endpoint

	// Authority is the resolved :authority / Host value, per spec §4.7.1.
	Authority string

	// Path and Query are the request-target components, independent of
	// Authority, so redirect/retry logic can recompute the full URL.
	Path  string
	Query string

	// RequestHeaders are the headers attached to the incoming request
	// before any per-call overrides.
	RequestHeaders http.Header

	// AdditionalRequestHeaders take precedence over RequestHeaders, per
	// spec §4.7.1.
	AdditionalRequestHeaders http.Header

	// ResponseTimeout and WriteTimeout are per spec §6.
	ResponseTimeout time.Duration
	WriteTimeout    time.Duration

	// MaxResponseLength caps the response body size; zero means
	// unlimited.
	MaxResponseLength int64

	// ExchangeType hints how request/response streaming is handled, per
	// spec §4.7.3.
	ExchangeType ExchangeType

	// Log is the write-only facade user code and decorators append to.
	Log *RequestLog

	mu    sync.Mutex
	attrs map[string]any

	root   *ServerContext
	parent *ClientRequestContext
}

// NewClientRequestContext returns a new [*ClientRequestContext] for ep.
// If ctx currently has a [ServerContext] or another [*ClientRequestContext]
// pushed (see [Push]), Root and Parent are set accordingly, per spec §3/§9.
func NewClientRequestContext(ctx context.Context, ep endpoint.Endpoint, protocol pool.Protocol) *ClientRequestContext {
	crc := &ClientRequestContext{
		ID:                       runtimex.PanicOnError1(uuid.NewV7()),
		Protocol:                 protocol,
		Endpoint:                 ep,
		RequestHeaders:           http.Header{},
		AdditionalRequestHeaders: http.Header{},
		Log:                      NewRequestLog(),
	}
	switch v := frameValue(topFrame(ctx)).(type) {
	case *ServerContext:
		crc.root = v
	case *ClientRequestContext:
		crc.root = v.root
		crc.parent = v
	}
	return crc
}

func frameValue(f *frame) any {
	if f == nil {
		return nil
	}
	return f.value
}

// Root returns the server-side scope active when this context was
// created, or nil if none was active.
func (crc *ClientRequestContext) Root() *ServerContext { return crc.root }

// Parent returns the enclosing client context (nesting) or the context
// this one was derived from (retries), or nil for a top-level attempt.
func (crc *ClientRequestContext) Parent() *ClientRequestContext { return crc.parent }

// SetAttribute stores value under key in crc's typed attribute map, per
// spec §3.
func (crc *ClientRequestContext) SetAttribute(key string, value any) {
	crc.mu.Lock()
	defer crc.mu.Unlock()
	if crc.attrs == nil {
		crc.attrs = make(map[string]any)
	}
	crc.attrs[key] = value
}

// Attribute returns the value stored under key, if any.
func (crc *ClientRequestContext) Attribute(key string) (any, bool) {
	crc.mu.Lock()
	defer crc.mu.Unlock()
	v, ok := crc.attrs[key]
	return v, ok
}

// Derive returns a snapshot copy of crc for use by a retry or an internal
// sub-request, per spec §3/§4.8: immutable fields are copied, additional
// headers and attributes are snapshotted, and the new context's Parent is
// crc itself. Later mutations on crc do not propagate to the copy, and
// vice versa.
func (crc *ClientRequestContext) Derive() *ClientRequestContext {
	crc.mu.Lock()
	attrs := make(map[string]any, len(crc.attrs))
	for k, v := range crc.attrs {
		attrs[k] = v
	}
	crc.mu.Unlock()

	d := &ClientRequestContext{
		ID:                       runtimex.PanicOnError1(uuid.NewV7()),
		Protocol:                 crc.Protocol,
		Endpoint:                 crc.Endpoint,
		Authority:                crc.Authority,
		Path:                     crc.Path,
		Query:                    crc.Query,
		RequestHeaders:           crc.RequestHeaders.Clone(),
		AdditionalRequestHeaders: crc.AdditionalRequestHeaders.Clone(),
		ResponseTimeout:          crc.ResponseTimeout,
		WriteTimeout:             crc.WriteTimeout,
		MaxResponseLength:        crc.MaxResponseLength,
		ExchangeType:             crc.ExchangeType,
		Log:                      NewRequestLog(),
		attrs:                    attrs,
		root:                     crc.root,
		parent:                   crc,
	}
	return d
}

// frame is one entry of the current-context stack, per spec §5. value is
// either a *[ServerContext] or a *[ClientRequestContext]. The stack is
// represented as an immutable linked list carried by [context.Context]
// values rather than a literal mutable thread-local: each [Push] returns a
// new [context.Context] pointing at a new frame, and "popping" is simply
// reverting to the [context.Context] value the caller held before calling
// Push, which Go's ordinary lexical scoping already does for free. This
// gives the same push/pop-is-identity and re-entrant-push guarantees spec
// §5/§8 require without a separate mutable global structure, and remains
// safe to share across goroutines since context values are immutable.
type frame struct {
	value any
	prev  *frame
}

type stackKey struct{}

func topFrame(ctx context.Context) *frame {
	f, _ := ctx.Value(stackKey{}).(*frame)
	return f
}

// PushServer returns a new [context.Context] with sc as the current
// server-side scope. Calls made against that context construct client
// contexts rooted at sc, per spec §9.
func PushServer(ctx context.Context, sc *ServerContext) context.Context {
	return context.WithValue(ctx, stackKey{}, &frame{value: sc, prev: topFrame(ctx)})
}

// Push returns a new [context.Context] with crc as the current client
// context, per spec §5's cross-context pushing rules:
//
//   - Pushing crc when it is already current is idempotent: the same
//     context.Context is returned, and no new frame is added, so the
//     later revert to the caller's saved context also needs no special
//     handling ("pops idempotently").
//   - Pushing a client context whose root differs from the current
//     frame's root (a different server context, or a client context with
//     a different root) is an [ErrIllegalState] error.
func Push(ctx context.Context, crc *ClientRequestContext) (context.Context, error) {
	cur := topFrame(ctx)
	switch v := frameValue(cur).(type) {
	case *ClientRequestContext:
		if v == crc {
			return ctx, nil
		}
		if v.root != crc.root {
			return nil, fmt.Errorf("%w: pushing client context with a different root than the current client context", ErrIllegalState)
		}
	case *ServerContext:
		if crc.root != v {
			return nil, fmt.Errorf("%w: pushing client context with a different root than the current server context", ErrIllegalState)
		}
	}
	return context.WithValue(ctx, stackKey{}, &frame{value: crc, prev: cur}), nil
}

// Current returns the current client context. It fails with
// [ErrIllegalState] when the top of the stack is a server-side frame
// ("not a client-side context"), and with a plain error when nothing has
// been pushed at all, per spec §5.
func Current(ctx context.Context) (*ClientRequestContext, error) {
	f := topFrame(ctx)
	if f == nil {
		return nil, fmt.Errorf("webengine: no context pushed")
	}
	crc, ok := f.value.(*ClientRequestContext)
	if !ok {
		return nil, fmt.Errorf("%w: not a client-side context", ErrIllegalState)
	}
	return crc, nil
}

// CurrentOrNil returns the current client context, or nil when nothing
// has been pushed or the top of the stack is a server-side frame, per
// spec §5.
func CurrentOrNil(ctx context.Context) *ClientRequestContext {
	crc, _ := Current(ctx)
	return crc
}

// ResolveAuthority derives the outgoing :authority / Host value per spec
// §4.7.1's precedence: additional request headers, then the incoming
// request headers, then the client's default headers, then the endpoint.
//
// SPEC_FULL.md's Open Question #2 decision: additional takes precedence
// over the incoming request headers' own authority, matching the order
// spec §4.7.1 states (contrary to the Open Question's uncertainty, which
// this resolves in favor of the stated order).
func ResolveAuthority(additional, request, defaultHeaders http.Header, ep endpoint.Endpoint) string {
	if v := firstNonEmpty(headerValue(additional, ":authority"), headerValue(additional, "Host")); v != "" {
		return v
	}
	if v := headerValue(request, ":authority"); v != "" {
		return v
	}
	if v := firstNonEmpty(headerValue(defaultHeaders, ":authority"), headerValue(defaultHeaders, "Host")); v != "" {
		return v
	}
	return ep.Authority()
}

func headerValue(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
