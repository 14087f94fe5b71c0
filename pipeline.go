// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's httpconn.go request/response
// span-pairing and lazy body-wrapping idiom (httpBodyWrap), generalized
// here into the full request execution pipeline of spec §4.7.

package webengine

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// ResponseTimeoutHandler is invoked when response_timeout fires, per spec
// §4.7 step 4. It may call abort to abort the request and/or response
// itself; if it does not, the pipeline fails the call with
// [ResponseTimeoutKind]. cause is the reason to pass to abort if the
// handler chooses to invoke it (normally [ErrResponseComplete]'s sibling,
// the response_timeout expiry itself).
type ResponseTimeoutHandler func(crc *ClientRequestContext, abort func(cause error))

// Pipeline runs the per-call request execution pipeline described by
// spec §4.7: context construction and push, the decorator chain,
// response/write timeouts, auto-abort of the request stream, and log
// completion.
type Pipeline struct {
	// Transport is the innermost [Handler], normally a
	// [*WebClient]'s pool-backed transport decorator.
	Transport Handler

	// Decorators run outer-most first, wrapping Transport, per spec §4.7
	// step 3.
	Decorators []Decorator

	// ResponseTimeoutHandler overrides the default [ResponseTimeoutKind]
	// failure on response_timeout expiry, per spec §4.7 step 4.
	ResponseTimeoutHandler ResponseTimeoutHandler

	// RequestAutoAbortDelay delays aborting a still-open request body
	// after the response completes, per spec §4.7 step 5 and spec §6's
	// request_auto_abort_delay_ms.
	RequestAutoAbortDelay time.Duration

	// Now returns the current time; overridable for tests.
	Now func() time.Time
}

// NewPipeline returns a [*Pipeline] whose innermost handler is transport.
func NewPipeline(transport Handler) *Pipeline {
	return &Pipeline{Transport: transport, Now: time.Now}
}

// Execute runs the pipeline for one attempt of req against crc, per spec
// §4.7. It pushes crc onto ctx's current-context stack for the duration
// of the decorator chain (step 2), applies crc.WriteTimeout to the
// request body and crc.ResponseTimeout to the whole attempt (step 4),
// and arranges for the request body to be auto-aborted once the response
// completes (step 5). The [*RequestLog] on crc is completed once both
// directions have terminated (step 6).
func (p *Pipeline) Execute(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
	pushed, err := Push(ctx, crc)
	if err != nil {
		return nil, err
	}

	crc.Log.Set(PropertyRequestHeaders, req.Header.Clone())

	reqBody := req.Body
	req.Body = applyWriteTimeout(req.Body, crc.WriteTimeout)

	attemptCtx := pushed
	var cancel context.CancelFunc
	if crc.ResponseTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(pushed, crc.ResponseTimeout)
		defer cancel()
	}

	handler := Chain(p.Transport, p.Decorators...)
	resp, err := handler(attemptCtx, crc, req)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = p.handleResponseTimeout(crc, reqBody, err)
		}
		crc.Log.Set(PropertyRequestEnd, err)
		crc.Log.Set(PropertyResponseEnd, err)
		crc.Log.Complete()
		return nil, err
	}

	crc.Log.Set(PropertyRequestEnd, error(nil))
	crc.Log.Set(PropertyResponseHeaders, resp.Header.Clone())
	resp.Body = p.wrapAutoAbort(crc, reqBody, resp.Body)
	return resp, nil
}

// handleResponseTimeout implements spec §4.7 step 4: invoke the
// user-installed handler if any; otherwise fail with a
// [ResponseTimeoutKind] [*TimeoutError].
func (p *Pipeline) handleResponseTimeout(crc *ClientRequestContext, reqBody io.ReadCloser, cause error) error {
	if p.ResponseTimeoutHandler == nil {
		return &TimeoutError{Kind: ResponseTimeoutKind, Cause: cause}
	}
	aborted := false
	p.ResponseTimeoutHandler(crc, func(abortCause error) {
		aborted = true
		if reqBody != nil && reqBody != http.NoBody {
			reqBody.Close()
		}
	})
	if aborted {
		return cause
	}
	return &TimeoutError{Kind: ResponseTimeoutKind, Cause: cause}
}

// wrapAutoAbort implements spec §4.7 steps 5 and 6: once the response
// body is closed (the caller is done reading, i.e. the response has
// completed), the still-open request body, if any, is aborted after
// RequestAutoAbortDelay with [ErrResponseComplete] as the default cause,
// and crc's log is completed. A nonzero delay gives the peer time to
// observe a stream reset before the connection is reused.
func (p *Pipeline) wrapAutoAbort(crc *ClientRequestContext, reqBody io.ReadCloser, respBody io.ReadCloser) io.ReadCloser {
	if reqBody == http.NoBody {
		reqBody = nil
	}
	return &autoAbortBody{
		ReadCloser: respBody,
		delay:      p.RequestAutoAbortDelay,
		reqBody:    reqBody,
		crc:        crc,
	}
}

type autoAbortBody struct {
	io.ReadCloser
	delay   time.Duration
	reqBody io.ReadCloser
	crc     *ClientRequestContext
	once    sync.Once
}

func (b *autoAbortBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		switch {
		case b.reqBody == nil:
		case b.delay <= 0:
			b.reqBody.Close()
		default:
			time.AfterFunc(b.delay, func() { b.reqBody.Close() })
		}
		b.crc.Log.Set(PropertyResponseEnd, error(nil))
		b.crc.Log.Complete()
	})
	return err
}

// applyWriteTimeout wraps body so each Read — i.e. each chunk handed to
// the wire — must complete within timeout, per spec §4.7 step 4's
// write_timeout. A zero timeout or nil/empty body is a no-op.
func applyWriteTimeout(body io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 || body == nil || body == http.NoBody {
		return body
	}
	return &writeTimeoutBody{ReadCloser: body, timeout: timeout}
}

type writeTimeoutBody struct {
	io.ReadCloser
	timeout time.Duration
}

// Read enforces the per-write deadline by racing the underlying Read
// against a timer. The underlying reader has no native per-call deadline
// (unlike a [net.Conn]), so this is implemented with a helper goroutine;
// on timeout the underlying Read is left to finish in the background and
// its result discarded, since io.ReadCloser offers no way to interrupt a
// Read in progress.
func (b *writeTimeoutBody) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := b.ReadCloser.Read(p)
		ch <- result{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(b.timeout):
		return 0, &TimeoutError{Kind: WriteTimeoutKind}
	}
}
