// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"context"
	"net/http"
)

// Handler executes a single request attempt and returns its response,
// per spec §4.7 step 3. The innermost Handler in a chain is always the
// transport decorator that calls the connection pool.
type Handler func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error)

// Decorator wraps a [Handler] with additional behavior (logging, auth,
// tracing, retry, circuit-breaking, ...), per spec §4.7/§9. Decorators
// compose the same way net/http middleware does: each one receives the
// next Handler in the chain and returns a new Handler wrapping it.
type Decorator func(next Handler) Handler

// Chain composes decorators around transport, applied outer-most first,
// per spec §4.7 step 3: Chain(transport, a, b) executes a, then b, then
// transport.
func Chain(transport Handler, decorators ...Decorator) Handler {
	h := transport
	for i := len(decorators) - 1; i >= 0; i-- {
		h = decorators[i](h)
	}
	return h
}
