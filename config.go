// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's Config-with-NewConfig-defaults
// idiom (config.go), extended here with every option spec §6 names plus a
// functional-options layer for building a [*WebClient].

package webengine

import (
	"crypto/x509"
	"net/http"
	"time"

	"github.com/bassosimone/nop"
	"github.com/bassosimone/webengine/breaker"
	"github.com/bassosimone/webengine/dnscache"
	"github.com/bassosimone/webengine/tlscache"
)

// Config holds every [*WebClient] option named in spec §6. The zero value
// is not useful; construct with [NewConfig].
type Config struct {
	// IdleTimeout, PingInterval, MaxConnectionAge configure the keep-alive
	// manager, per spec §4.4/§6.
	IdleTimeout      time.Duration
	PingInterval     time.Duration
	PingTimeout      time.Duration
	MaxConnectionAge time.Duration

	// ConnectTimeout bounds the TCP connect step.
	ConnectTimeout time.Duration

	// ResponseTimeout and WriteTimeout are the per-request defaults
	// applied to every [ClientRequestContext] unless overridden.
	ResponseTimeout time.Duration
	WriteTimeout    time.Duration

	// MaxConcurrentStreamsPerEndpoint is stored but not read by
	// [WebClient]: the pool's per-session stream limit comes only from
	// each session's own MaxConcurrentStreams (for HTTP/2, the peer's
	// SETTINGS).
	MaxConcurrentStreamsPerEndpoint int32

	// MaxPendingAcquisitions caps queued callers per pool key, per spec
	// §4.4.
	MaxPendingAcquisitions int

	// MaxTotalAttempts is the retry ceiling, per spec §4.8.
	MaxTotalAttempts int
	// MaxRetryBackoff caps [DefaultRetryRule]'s exponential backoff.
	MaxRetryBackoff time.Duration

	// MaxRedirects caps the redirect chain length, per spec §4.7.2.
	MaxRedirects int

	// HTTP2InitialConnectionWindowSize and HTTP2InitialStreamWindowSize
	// are stored but not applied: [WebClient] builds its shared
	// [*http2.Transport] without them, so HTTP/2 sessions use that
	// transport's own default flow-control windows.
	HTTP2InitialConnectionWindowSize uint32
	HTTP2InitialStreamWindowSize     uint32

	// UseHTTP2Preface enables prior-knowledge HTTP/2 over cleartext
	// connections (H2C), per spec §4.6.
	UseHTTP2Preface bool

	// PreferHTTP1 forces HTTP/1.1 even when the peer's TLS ClientHello
	// would otherwise negotiate h2 via ALPN, per spec §4.5/§4.6.
	PreferHTTP1 bool

	// TLSNoVerify disables certificate verification for every endpoint.
	// TLSNoVerifyHosts disables it only for the listed hosts. See
	// [tlscache.TrustConfig].
	TLSNoVerify      bool
	TLSNoVerifyHosts []string
	TLSRootCAs       *x509.CertPool
	TLSKeyPairs      tlscache.KeyPairResolver

	// AllowEmptyEndpoints makes [WebClient.Do] return
	// [ErrEmptyEndpointGroup] rather than panicking when the configured
	// [endpoint.Group] currently has no members, per spec §4.2.
	AllowEmptyEndpoints bool

	// RequestAutoAbortDelay delays aborting a still-open request stream
	// after its response completes, per spec §4.7 step 5.
	RequestAutoAbortDelay time.Duration

	// BaseURI, when non-empty, scopes redirects to the same host unless
	// the target is listed in RedirectAllowedHosts, per spec §4.7.2.
	BaseURI             string
	RedirectAllowedHosts []string

	// DefaultHeaders are merged onto every outgoing request at the lowest
	// precedence, per spec §4.7.1.
	DefaultHeaders http.Header

	// BreakerConfig and BreakerScope configure the circuit breaker, per
	// spec §4.8. A nil BreakerConfig disables circuit breaking.
	BreakerConfig *breaker.Config
	BreakerScope  breaker.Scope

	// DNSConfig and DNSResolvers configure the DNS cache, per spec §4.1.
	DNSConfig    *dnscache.Config
	DNSResolvers []dnscache.Resolver

	// TLSCacheConfig configures the TLS context factory, per spec §4.3.
	TLSCacheConfig *tlscache.Config

	// Logger is the [nop.SLogger] every transport primitive and
	// session logs through. Defaults to [nop.DefaultSLogger].
	Logger nop.SLogger

	// ErrClassifier classifies causes for log lines, distinct from the
	// request-outcome taxonomy in errors.go. Defaults to
	// [nop.DefaultErrClassifier].
	ErrClassifier nop.ErrClassifier

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time

	// ConnectionListener, PoolListener, RequestLogListener are the
	// observability hooks of spec §6. ConnectionListener and PoolListener
	// default to no-ops; RequestLogListener defaults to nil (none).
	// [WebClient] invokes only RequestLogListener; it does not call
	// ConnectionListener or PoolListener.
	ConnectionListener ConnectionEventListener
	PoolListener       ConnectionPoolListener
	RequestLogListener RequestLogListener
}

// NewConfig returns a [*Config] with sensible defaults, per spec §6.
func NewConfig() *Config {
	return &Config{
		IdleTimeout:                      90 * time.Second,
		PingTimeout:                      10 * time.Second,
		ConnectTimeout:                   30 * time.Second,
		ResponseTimeout:                  60 * time.Second,
		WriteTimeout:                     30 * time.Second,
		MaxConcurrentStreamsPerEndpoint:  100,
		MaxPendingAcquisitions:           16,
		MaxTotalAttempts:                 3,
		MaxRetryBackoff:                  2 * time.Second,
		MaxRedirects:                     20,
		HTTP2InitialConnectionWindowSize: 1 << 20,
		HTTP2InitialStreamWindowSize:     1 << 20,
		RequestAutoAbortDelay:            0,
		DefaultHeaders:                   http.Header{},
		BreakerConfig:                    breaker.NewConfig(),
		BreakerScope:                     breaker.ScopeHost,
		DNSConfig:                        dnscache.NewConfig(),
		TLSCacheConfig:                   tlscache.NewConfig(),
		Logger:                           nop.DefaultSLogger(),
		ErrClassifier:                    nop.DefaultErrClassifier,
		TimeNow:                          time.Now,
		ConnectionListener:               NopConnectionEventListener{},
		PoolListener:                     NopConnectionPoolListener{},
	}
}

// ClientOption customizes a [Config] when building a [*WebClient] via [New].
type ClientOption func(*Config)

// WithLogger sets the structured logger.
func WithLogger(logger nop.SLogger) ClientOption {
	return func(c *Config) { c.Logger = logger }
}

// WithErrClassifier sets the log-line error classifier.
func WithErrClassifier(classifier nop.ErrClassifier) ClientOption {
	return func(c *Config) { c.ErrClassifier = classifier }
}

// WithResponseTimeout overrides the default per-request response timeout.
func WithResponseTimeout(d time.Duration) ClientOption {
	return func(c *Config) { c.ResponseTimeout = d }
}

// WithWriteTimeout overrides the default per-request write timeout.
func WithWriteTimeout(d time.Duration) ClientOption {
	return func(c *Config) { c.WriteTimeout = d }
}

// WithMaxTotalAttempts overrides the retry ceiling.
func WithMaxTotalAttempts(n int) ClientOption {
	return func(c *Config) { c.MaxTotalAttempts = n }
}

// WithMaxRedirects overrides the redirect chain ceiling.
func WithMaxRedirects(n int) ClientOption {
	return func(c *Config) { c.MaxRedirects = n }
}

// WithBaseURI scopes redirects to baseURI's host, per spec §4.7.2.
func WithBaseURI(baseURI string, allowedHosts ...string) ClientOption {
	return func(c *Config) {
		c.BaseURI = baseURI
		c.RedirectAllowedHosts = allowedHosts
	}
}

// WithTLSNoVerify disables certificate verification, globally if hosts is
// empty or only for the listed hosts otherwise.
func WithTLSNoVerify(hosts ...string) ClientOption {
	return func(c *Config) {
		if len(hosts) == 0 {
			c.TLSNoVerify = true
			return
		}
		c.TLSNoVerifyHosts = append(c.TLSNoVerifyHosts, hosts...)
	}
}

// WithDefaultHeader adds a default header applied to every request at the
// lowest precedence, per spec §4.7.1.
func WithDefaultHeader(key, value string) ClientOption {
	return func(c *Config) { c.DefaultHeaders.Add(key, value) }
}

// WithDNSResolvers overrides the resolvers queried concurrently on a cache
// miss, per spec §4.1.
func WithDNSResolvers(resolvers ...dnscache.Resolver) ClientOption {
	return func(c *Config) { c.DNSResolvers = resolvers }
}

// WithConnectionListener installs a [ConnectionEventListener].
func WithConnectionListener(l ConnectionEventListener) ClientOption {
	return func(c *Config) { c.ConnectionListener = l }
}

// WithPoolListener installs a [ConnectionPoolListener].
func WithPoolListener(l ConnectionPoolListener) ClientOption {
	return func(c *Config) { c.PoolListener = l }
}

// WithRequestLogListener installs a [RequestLogListener] observed on every
// [ClientRequestContext.Log] property transition.
func WithRequestLogListener(l RequestLogListener) ClientOption {
	return func(c *Config) { c.RequestLogListener = l }
}

// WithHTTP2Preface enables prior-knowledge HTTP/2 over cleartext, per spec
// §4.6.
func WithHTTP2Preface() ClientOption {
	return func(c *Config) { c.UseHTTP2Preface = true }
}

// WithPreferHTTP1 forces HTTP/1.1 even where ALPN would select h2.
func WithPreferHTTP1() ClientOption {
	return func(c *Config) { c.PreferHTTP1 = true }
}

// WithAllowEmptyEndpoints makes [WebClient.Do] fail with
// [ErrEmptyEndpointGroup] instead of panicking when the endpoint group is
// currently empty.
func WithAllowEmptyEndpoints() ClientOption {
	return func(c *Config) { c.AllowEmptyEndpoints = true }
}

// WithBreaker overrides the circuit breaker configuration and scope, per
// spec §4.8. A nil cfg disables circuit breaking entirely.
func WithBreaker(cfg *breaker.Config, scope breaker.Scope) ClientOption {
	return func(c *Config) {
		c.BreakerConfig = cfg
		c.BreakerScope = scope
	}
}

// WithPoolConfig overrides pool admission control, per spec §4.4.
func WithPoolConfig(maxPendingAcquisitions int) ClientOption {
	return func(c *Config) { c.MaxPendingAcquisitions = maxPendingAcquisitions }
}
