// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// RedirectConfig configures [Follow], per spec §4.7.2.
type RedirectConfig struct {
	// MaxRedirects caps the total number of hops followed. Exceeding it
	// returns the last 30x response as-is, per spec §8 scenario 4.
	MaxRedirects int

	// HasBaseURI must be true when the [*WebClient] was built with a base
	// URI. Cross-host redirects are disallowed unless HasBaseURI is false
	// or the target host is in AllowedHosts, per spec §4.7.2.
	HasBaseURI bool

	// AllowedHosts lists hosts (lowercase) that cross-host redirects may
	// target even when HasBaseURI is true.
	AllowedHosts map[string]bool
}

// NewRedirectConfig returns a [*RedirectConfig] with sensible defaults.
func NewRedirectConfig() *RedirectConfig {
	return &RedirectConfig{MaxRedirects: 20, AllowedHosts: map[string]bool{}}
}

// Do performs one HTTP round trip for a redirect hop.
type Do func(req *http.Request) (*http.Response, error)

// Follow runs the redirect chain starting from resp (the response to a
// request for method at initial), issuing further hops via do, per spec
// §4.7.2. It resolves each Location against the previous absolute URI
// using RFC 3986 reference resolution ([url.URL.ResolveReference], which
// includes dot-segment removal), rewrites method and drops the body per
// [nextMethod]'s rules, detects (method, absolute-URI) loops, and bounds
// the chain to cfg.MaxRedirects.
func Follow(cfg *RedirectConfig, initial *url.URL, method string, resp *http.Response, do Do) (*http.Response, error) {
	seen := map[string]struct{}{loopKey(method, initial.String()): {}}
	current, count := initial, 0

	for isRedirectStatus(resp.StatusCode) {
		loc := resp.Header.Get("Location")
		if loc == "" {
			return resp, nil
		}

		ref, err := url.Parse(loc)
		if err != nil {
			return nil, fmt.Errorf("webengine: invalid redirect Location %q: %w", loc, err)
		}
		target := current.ResolveReference(ref)

		if !hostAllowed(cfg, current, target) {
			return nil, fmt.Errorf("webengine: cross-host redirect to %q not allowed", target.Host)
		}

		if count >= cfg.MaxRedirects {
			return resp, nil
		}

		nextMeth, dropBody := nextMethod(resp.StatusCode, method)
		key := loopKey(nextMeth, target.String())
		if _, loop := seen[key]; loop {
			return nil, fmt.Errorf("%w: %s %s", ErrRedirectLoop, nextMeth, target)
		}
		seen[key] = struct{}{}

		var body = http.NoBody
		if !dropBody && resp.Request != nil && resp.Request.Body != nil {
			body = resp.Request.Body
		}
		req, err := http.NewRequest(nextMeth, target.String(), body)
		if err != nil {
			return nil, err
		}

		resp, err = do(req)
		if err != nil {
			return nil, err
		}
		current, method, count = target, nextMeth, count+1
	}
	return resp, nil
}

// isRedirectStatus reports whether code is one of the 30x statuses spec
// §4.7.2 acts on. 304 (Not Modified) is not a redirect in this sense.
func isRedirectStatus(code int) bool {
	return code >= 300 && code < 400 && code != http.StatusNotModified
}

// nextMethod decides the method and whether to drop the body for the next
// hop, per spec §4.7.2 and SPEC_FULL.md's Open Question #1 decision: 303
// always switches to GET and drops the body; 307/308 always preserve
// method and body; 301/302 behave like 303 for any method other than
// GET/HEAD (non-idempotent methods are not safely replayed with their
// original body against a possibly different resource), and leave
// GET/HEAD untouched.
func nextMethod(statusCode int, method string) (next string, dropBody bool) {
	switch statusCode {
	case http.StatusSeeOther:
		return http.MethodGet, true
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, false
	default: // 301, 302
		if method == http.MethodGet || method == http.MethodHead {
			return method, false
		}
		return http.MethodGet, true
	}
}

func hostAllowed(cfg *RedirectConfig, from, to *url.URL) bool {
	if strings.EqualFold(from.Host, to.Host) {
		return true
	}
	if !cfg.HasBaseURI {
		return true
	}
	return cfg.AllowedHosts[strings.ToLower(to.Host)]
}

func loopKey(method, absoluteURI string) string {
	return method + " " + absoluteURI
}
