// SPDX-License-Identifier: GPL-3.0-or-later

// Package webengine implements a client-side HTTP engine that multiplexes
// requests over a pool of persistent HTTP/1.1 and HTTP/2 connections.
//
// The core subpackages are:
//
//   - [github.com/bassosimone/webengine/endpoint]: named remote targets and
//     dynamically updated groups of them.
//   - [github.com/bassosimone/webengine/dnscache]: hostname resolution with
//     positive/negative TTL caching.
//   - [github.com/bassosimone/webengine/tlscache]: a refcounted per-SNI TLS
//     context cache.
//   - [github.com/bassosimone/webengine/pool]: connection acquisition,
//     keep-alive, and outlier detection.
//   - [github.com/bassosimone/webengine/h1] and
//     [github.com/bassosimone/webengine/h2]: the HTTP/1.1 and HTTP/2 session
//     implementations handed out by the pool.
//   - [github.com/bassosimone/webengine/ratewindow]: the sliding-window
//     counter shared by outlier detection and circuit breaking.
//   - [github.com/bassosimone/webengine/breaker]: per-key circuit breakers.
//
// Low-level dial/TLS/HTTP primitives are not reimplemented here: the pool's
// session opener composes them directly from [github.com/bassosimone/nop].
//
// This root package wires all of the above into a [*WebClient]: the
// per-request context, the decorator chain, retry, redirect following, and
// the error taxonomy and observability hooks the rest of the engine reports
// through.
package webengine
