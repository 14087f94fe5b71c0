// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's tls.go (TLSHandshakeFunc's
// config cloning and peer-certificate extraction), generalized here into a
// refcounted per-SNI cache instead of a single ad-hoc *tls.Config.

// Package tlscache maps (SNI, key-pair fingerprint, trust config) to a
// refcounted [Context], per spec §4.3.
package tlscache

import (
	"crypto/tls"
	"crypto/x509"
	"strings"
	"sync"
	"time"
)

// KeyPair is a certificate/private key pair used for mutual TLS.
type KeyPair struct {
	Certificate tls.Certificate
	Fingerprint string
}

// TrustConfig configures certificate verification.
type TrustConfig struct {
	// RootCAs overrides the system trust store when non-nil.
	RootCAs *x509.CertPool

	// NoVerify disables certificate verification entirely (spec
	// §4.3's tls_no_verify). Use only for hosts explicitly opted in
	// via tls_no_verify_hosts, or globally via tls_no_verify.
	NoVerify bool
}

// Context is a refcounted TLS client configuration for one SNI/key-pair
// combination.
type Context struct {
	config *tls.Config

	mu       sync.Mutex
	refCount int
	zeroAt   time.Time
}

// Config returns the underlying *tls.Config. Callers must not mutate it;
// clone it first (as [nop.TLSHandshakeFunc] already does).
func (c *Context) Config() *tls.Config {
	return c.config
}

// Reserve increments the reference count. Call once per session that
// reserves this context.
func (c *Context) Reserve() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount++
}

// Release decrements the reference count, called on session close.
func (c *Context) Release(timeNow func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refCount--
	if c.refCount <= 0 {
		c.refCount = 0
		c.zeroAt = timeNow()
	}
}

// evictable reports whether the context has been at zero refcount for at
// least grace.
func (c *Context) evictable(now time.Time, grace time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refCount == 0 && !c.zeroAt.IsZero() && now.Sub(c.zeroAt) >= grace
}

// key identifies one cached [Context].
type key struct {
	sni         string
	fingerprint string
	noVerify    bool
}

// Config configures a [Factory].
type Config struct {
	// EvictionGrace is how long a zero-refcount context survives before
	// it becomes eligible for eviction by [Factory.Sweep].
	EvictionGrace time.Duration

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time
}

// NewConfig returns a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{EvictionGrace: 30 * time.Second, TimeNow: time.Now}
}

// KeyPairResolver resolves the key-pair to present for a given SNI
// hostname, per spec §4.3's three-step rule: exact match, then wildcard
// (one left-most label), then the default (no-SNI) key-pair.
type KeyPairResolver interface {
	Resolve(sni string) (*KeyPair, bool)
}

// StaticKeyPairResolver implements [KeyPairResolver] over a fixed table of
// exact and wildcard hostnames plus an optional default.
type StaticKeyPairResolver struct {
	Exact    map[string]*KeyPair
	Wildcard map[string]*KeyPair // keyed by the suffix after "*."
	Default  *KeyPair
}

// Resolve implements [KeyPairResolver].
func (r *StaticKeyPairResolver) Resolve(sni string) (*KeyPair, bool) {
	if kp, ok := r.Exact[sni]; ok {
		return kp, true
	}
	if idx := strings.IndexByte(sni, '.'); idx >= 0 {
		if kp, ok := r.Wildcard[sni[idx+1:]]; ok {
			return kp, true
		}
	}
	if r.Default != nil {
		return r.Default, true
	}
	return nil, false
}

// Factory maps (SNI, key-pair fingerprint, trust config) to a refcounted
// [Context], per spec §4.3.
type Factory struct {
	cfg      *Config
	keyPairs KeyPairResolver
	trust    TrustConfig

	// noVerifyHosts replaces the trust manager for matching hosts only.
	noVerifyHosts map[string]bool

	mu      sync.Mutex
	entries map[key]*Context
}

// NewFactory returns a [*Factory] using cfg, resolving key-pairs via
// keyPairs and falling back to trust for hosts not in noVerifyHosts.
func NewFactory(cfg *Config, keyPairs KeyPairResolver, trust TrustConfig, noVerifyHosts []string) *Factory {
	set := make(map[string]bool, len(noVerifyHosts))
	for _, h := range noVerifyHosts {
		set[strings.ToLower(h)] = true
	}
	return &Factory{
		cfg:           cfg,
		keyPairs:      keyPairs,
		trust:         trust,
		noVerifyHosts: set,
		entries:       make(map[key]*Context),
	}
}

// Get returns the cached [*Context] for sni, creating and reserving one if
// necessary. The trailing dot in sni, if present, must already be stripped
// by the caller (the endpoint package's [endpoint.Endpoint.SNI] does this).
func (f *Factory) Get(sni string) *Context {
	kp, _ := f.keyPairs.Resolve(sni)
	noVerify := f.trust.NoVerify || f.noVerifyHosts[strings.ToLower(sni)]

	var fingerprint string
	if kp != nil {
		fingerprint = kp.Fingerprint
	}
	k := key{sni: sni, fingerprint: fingerprint, noVerify: noVerify}

	f.mu.Lock()
	defer f.mu.Unlock()

	if ctx, ok := f.entries[k]; ok {
		ctx.Reserve()
		return ctx
	}

	tlsConfig := &tls.Config{
		ServerName:         sni,
		InsecureSkipVerify: noVerify,
		RootCAs:            f.trust.RootCAs,
		NextProtos:         []string{"h2", "http/1.1"},
	}
	if kp != nil {
		tlsConfig.Certificates = []tls.Certificate{kp.Certificate}
	}

	ctx := &Context{config: tlsConfig}
	ctx.Reserve()
	f.entries[k] = ctx
	return ctx
}

// Sweep evicts every context that has been at zero refcount for at least
// cfg.EvictionGrace. Callers drive this periodically (mirroring the
// connection pool's own idle-timer sweep).
func (f *Factory) Sweep() {
	now := f.cfg.TimeNow()
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, ctx := range f.entries {
		if ctx.evictable(now, f.cfg.EvictionGrace) {
			delete(f.entries, k)
		}
	}
}

// Len returns the number of cached contexts, for tests and diagnostics.
func (f *Factory) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
