// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's example_httpconn_test.go
// Compose6 dial->observe->cancelwatch->tls->httpconn pipeline, generalized
// here into [WebClient.Open]'s pool.Opener implementation, branching on
// negotiated ALPN to build either an [h1.Session] or an [h2.Session].

package webengine

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/bassosimone/nop"
	"github.com/bassosimone/webengine/breaker"
	"github.com/bassosimone/webengine/dnscache"
	"github.com/bassosimone/webengine/endpoint"
	"github.com/bassosimone/webengine/h1"
	"github.com/bassosimone/webengine/h2"
	"github.com/bassosimone/webengine/pool"
	"github.com/bassosimone/webengine/tlscache"
	"golang.org/x/net/http2"
)

// WebClient is the top-level entry point of spec §1/§9: it ties the
// endpoint group, DNS cache, TLS context factory, connection pool,
// keep-alive manager, circuit breaker, retry policy and redirect follower
// together behind [WebClient.Do].
type WebClient struct {
	cfg      *Config
	group    endpoint.Group
	strategy endpoint.SelectionStrategy

	dns          *dnscache.Cache
	tlsFactory   *tlscache.Factory
	poolInst     *pool.Pool
	keepalive    *pool.KeepAliveManager
	breakers     *breaker.Registry
	outliers     *pool.OutlierDetector
	h2txp        *http2.Transport
	transportCfg *nop.Config

	redirectCfg *RedirectConfig
	retryCfg    *RetryConfig
}

// New returns a [*WebClient] serving requests against the backends in
// group, selected via strategy, per spec §4.2.
func New(group endpoint.Group, strategy endpoint.SelectionStrategy, opts ...ClientOption) *WebClient {
	cfg := NewConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.DNSResolvers) > 0 {
		cfg.DNSConfig.Resolvers = cfg.DNSResolvers
	}

	wc := &WebClient{cfg: cfg, group: group, strategy: strategy}

	wc.dns = dnscache.New(cfg.DNSConfig)

	keyPairs := cfg.TLSKeyPairs
	if keyPairs == nil {
		keyPairs = &tlscache.StaticKeyPairResolver{}
	}
	trust := tlscache.TrustConfig{RootCAs: cfg.TLSRootCAs, NoVerify: cfg.TLSNoVerify}
	wc.tlsFactory = tlscache.NewFactory(cfg.TLSCacheConfig, keyPairs, trust, cfg.TLSNoVerifyHosts)

	poolCfg := pool.NewConfig()
	poolCfg.MaxPendingAcquisitions = cfg.MaxPendingAcquisitions
	wc.poolInst = pool.New(poolCfg, wc)

	kaCfg := pool.NewKeepAliveConfig()
	kaCfg.IdleTimeout = cfg.IdleTimeout
	kaCfg.MaxConnectionAge = cfg.MaxConnectionAge
	kaCfg.PingInterval = cfg.PingInterval
	kaCfg.PingTimeout = cfg.PingTimeout
	kaCfg.TimeNow = cfg.TimeNow
	wc.keepalive = pool.NewKeepAliveManager(kaCfg, wc.poolInst)

	if cfg.BreakerConfig != nil {
		wc.breakers = breaker.NewRegistry(cfg.BreakerConfig, cfg.BreakerScope)
	}

	wc.outliers = pool.NewOutlierDetector(pool.NewOutlierConfig(), certificateFatalRule{})

	wc.h2txp = &http2.Transport{AllowHTTP: true}

	wc.transportCfg = nop.NewConfig()
	wc.transportCfg.ErrClassifier = cfg.ErrClassifier
	wc.transportCfg.TimeNow = cfg.TimeNow

	wc.redirectCfg = NewRedirectConfig()
	wc.redirectCfg.MaxRedirects = cfg.MaxRedirects
	wc.redirectCfg.HasBaseURI = cfg.BaseURI != ""
	for _, h := range cfg.RedirectAllowedHosts {
		wc.redirectCfg.AllowedHosts[strings.ToLower(h)] = true
	}

	wc.retryCfg = NewRetryConfig(DefaultRetryRule(cfg.MaxRetryBackoff))
	wc.retryCfg.MaxTotalAttempts = cfg.MaxTotalAttempts

	return wc
}

// Tick drives the keep-alive manager's idle/age/ping eviction sweep and the
// TLS context factory's eviction sweep. Callers run this periodically (the
// engine keeps no internal goroutine of its own, following the teacher's
// "caller drives time" convention used throughout the pool/keepalive code).
func (wc *WebClient) Tick() {
	wc.keepalive.Tick()
	wc.tlsFactory.Sweep()
}

// Do executes req against the endpoint group, following redirects per spec
// §4.7.2 and retrying per spec §4.8. The response, if non-nil, has a fully
// drained-or-draining body the caller must Close.
func (wc *WebClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := wc.doOnce(ctx, req)
	if err != nil {
		return nil, err
	}
	return Follow(wc.redirectCfg, req.URL, req.Method, resp, func(r *http.Request) (*http.Response, error) {
		return wc.doOnce(ctx, r)
	})
}

// doOnce runs one logical request (itself possibly internally retried) to
// completion, without following redirects.
func (wc *WebClient) doOnce(ctx context.Context, req *http.Request) (*http.Response, error) {
	candidates := wc.group.Endpoints()
	if len(candidates) == 0 && !wc.cfg.AllowEmptyEndpoints {
		panic("webengine: endpoint group is empty and AllowEmptyEndpoints is not set")
	}
	ep, err := wc.strategy.Select(candidates)
	if err != nil {
		if errors.Is(err, endpoint.ErrEmptyEndpointGroup) {
			return nil, ErrEmptyEndpointGroup
		}
		return nil, err
	}

	useTLS := req.URL.Scheme != "http"
	ip, err := wc.resolveIP(ctx, ep)
	if err != nil {
		return nil, &Unprocessed{Cause: err}
	}
	protocol := wc.protocolFor(useTLS)
	key := pool.PoolKey{Protocol: protocol, IP: ip, Port: resolvedPort(ep, useTLS), SNI: ep.SNI()}

	if wc.outliers.IsOutlier(key) {
		return nil, fmt.Errorf("%w: endpoint marked as outlier", ErrFailFast)
	}

	var br *breaker.Breaker
	if wc.breakers != nil {
		br = wc.breakers.Get(ep.Host(), req.Method)
		if err := br.Allow(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFailFast, err)
		}
	}

	crc := NewClientRequestContext(ctx, ep, protocol)
	crc.Authority = ResolveAuthority(crc.AdditionalRequestHeaders, req.Header, wc.cfg.DefaultHeaders, ep)
	crc.Path = req.URL.Path
	crc.Query = req.URL.RawQuery
	crc.RequestHeaders = req.Header.Clone()
	crc.ResponseTimeout = wc.cfg.ResponseTimeout
	crc.WriteTimeout = wc.cfg.WriteTimeout
	wc.wireRequestLog(crc)

	applyDefaultHeaders(req, wc.cfg.DefaultHeaders)
	req.Host = crc.Authority

	pipeline := NewPipeline(wc.transportHandler(key))
	pipeline.RequestAutoAbortDelay = wc.cfg.RequestAutoAbortDelay
	pipeline.Now = wc.cfg.TimeNow

	handler := Handler(pipeline.Execute)
	if wc.retryCfg.MaxTotalAttempts > 1 {
		handler = Retrying(wc.retryCfg, handler)
	}

	resp, err := handler(ctx, crc, req)
	if err != nil {
		wc.outliers.RecordFailure(key, err)
	} else {
		wc.outliers.RecordSuccess(key)
	}
	if br != nil {
		if err != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}
	return resp, err
}

// certificateFatalRule classifies a TLS certificate verification failure
// as an immediate outlier: retrying a misconfigured or expired
// certificate against the same IP cannot succeed, so there is no value
// in waiting for the sliding-window failure rate to cross its threshold.
type certificateFatalRule struct{}

func (certificateFatalRule) IsFatal(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	var invalid x509.CertificateInvalidError
	var hostnameErr x509.HostnameError
	return errors.As(err, &unknownAuth) || errors.As(err, &invalid) || errors.As(err, &hostnameErr)
}

func (wc *WebClient) wireRequestLog(crc *ClientRequestContext) {
	if wc.cfg.RequestLogListener == nil {
		return
	}
	for p := Property(0); p < numProperties; p++ {
		crc.Log.Observe(p, wc.cfg.RequestLogListener.OnProperty)
	}
}

func applyDefaultHeaders(req *http.Request, defaults http.Header) {
	for key, values := range defaults {
		if req.Header.Get(key) != "" {
			continue
		}
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
}

func (wc *WebClient) resolveIP(ctx context.Context, ep endpoint.Endpoint) (netip.Addr, error) {
	if ip, ok := ep.IP(); ok {
		return ip, nil
	}
	records, err := wc.dns.Resolve(ctx, dnscache.Question{Name: ep.Host(), Type: dnscache.TypeA})
	if err != nil || len(records) == 0 {
		records, err = wc.dns.Resolve(ctx, dnscache.Question{Name: ep.Host(), Type: dnscache.TypeAAAA})
	}
	if err != nil {
		return netip.Addr{}, err
	}
	if len(records) == 0 {
		return netip.Addr{}, fmt.Errorf("webengine: no address records for %q", ep.Host())
	}
	return records[0].Addr, nil
}

func (wc *WebClient) protocolFor(useTLS bool) pool.Protocol {
	if useTLS {
		if wc.cfg.PreferHTTP1 {
			return pool.H1
		}
		return pool.H2
	}
	if wc.cfg.UseHTTP2Preface {
		return pool.H2C
	}
	return pool.H1C
}

func resolvedPort(ep endpoint.Endpoint, useTLS bool) uint16 {
	if port, ok := ep.Port(); ok {
		return port
	}
	if useTLS {
		return 443
	}
	return 80
}

// transportHandler returns the innermost [Handler] that acquires a session
// from the pool for key, performs the round trip, and releases it, per
// spec §4.4/§4.6.
func (wc *WebClient) transportHandler(key pool.PoolKey) Handler {
	return func(ctx context.Context, crc *ClientRequestContext, req *http.Request) (*http.Response, error) {
		session, err := wc.poolInst.Acquire(ctx, key)
		if err != nil {
			var unprocessed *pool.UnprocessedRequest
			if errors.As(err, &unprocessed) {
				return nil, &Unprocessed{Cause: unprocessed.Cause}
			}
			return nil, err
		}
		crc.Log.Set(PropertySession, session)
		wc.keepalive.NoteActive(session)

		resp, rtErr := roundTripOn(ctx, session, req)

		idle := wc.poolInst.Release(key, session)
		if idle {
			wc.keepalive.NoteIdle(session)
		}
		if rtErr != nil {
			return nil, rtErr
		}
		return resp, nil
	}
}

// sessionUnwrapper lets a decorating [pool.Session] (e.g. [*tlsRefSession])
// expose the concrete h1/h2 session underneath for [roundTripOn]'s type
// switch, mirroring the teacher's wrapped-connection idiom in
// nop.observedConn.
type sessionUnwrapper interface {
	Unwrap() pool.Session
}

func roundTripOn(ctx context.Context, session pool.Session, req *http.Request) (*http.Response, error) {
	underlying := session
	for {
		u, ok := underlying.(sessionUnwrapper)
		if !ok {
			break
		}
		underlying = u.Unwrap()
	}
	switch sess := underlying.(type) {
	case *h1.Session:
		return sess.RoundTrip(ctx, req)
	case *h2.Session:
		resp, err := sess.RoundTrip(req.WithContext(ctx))
		if err != nil {
			var goAway *h2.GoAwayError
			if errors.As(err, &goAway) {
				return nil, WrapGoAway(goAway.LastStreamID)
			}
		}
		return resp, err
	default:
		return nil, fmt.Errorf("webengine: session type %T does not support round trips", underlying)
	}
}

// Open implements [pool.Opener]: it resolves key to a dialled, and for TLS
// keys handshaked, connection, then branches on the negotiated protocol
// (ALPN for TLS, configuration for cleartext) to build either an
// [*h1.Session] or an [*h2.Session].
func (wc *WebClient) Open(ctx context.Context, key pool.PoolKey) (pool.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, wc.cfg.ConnectTimeout)
	defer cancel()

	addr := netip.AddrPortFrom(key.IP, key.Port)
	op1 := nop.NewEndpointFunc(addr)
	op2 := nop.NewConnectFunc(wc.transportCfg, "tcp", wc.cfg.Logger)
	op3 := nop.NewObserveConnFunc(wc.transportCfg, wc.cfg.Logger)
	op4 := nop.NewCancelWatchFunc()

	switch key.Protocol {
	case pool.H1, pool.H2:
		return wc.openTLS(ctx, key, op1, op2, op3, op4)
	default:
		return wc.openPlain(ctx, key, op1, op2, op3, op4)
	}
}

func (wc *WebClient) openTLS(
	ctx context.Context, key pool.PoolKey,
	op1 nop.Func[nop.Unit, netip.AddrPort],
	op2 nop.Func[netip.AddrPort, net.Conn],
	op3, op4 nop.Func[net.Conn, net.Conn],
) (pool.Session, error) {
	tlsCtx := wc.tlsFactory.Get(key.SNI)
	op5 := nop.NewTLSHandshakeFunc(wc.transportCfg, tlsCtx.Config(), wc.cfg.Logger)
	chain := nop.Compose5[nop.Unit, netip.AddrPort, net.Conn, net.Conn, net.Conn, nop.TLSConn](
		op1, op2, op3, op4, op5)

	tconn, err := chain.Call(ctx, nop.Unit{})
	if err != nil {
		tlsCtx.Release(wc.cfg.TimeNow)
		return nil, &Unprocessed{Cause: err}
	}

	negotiated := tconn.ConnectionState().NegotiatedProtocol
	if negotiated == "h2" && !wc.cfg.PreferHTTP1 {
		sess, err := h2.New(wc.h2txp, tconn)
		if err != nil {
			tconn.Close()
			tlsCtx.Release(wc.cfg.TimeNow)
			return nil, &Unprocessed{Cause: err}
		}
		return wc.finishOpen(key, sess, tlsCtx), nil
	}

	hc, err := nop.NewHTTPConnFuncTLS(wc.transportCfg, wc.cfg.Logger).Call(ctx, tconn)
	if err != nil {
		tconn.Close()
		tlsCtx.Release(wc.cfg.TimeNow)
		return nil, &Unprocessed{Cause: err}
	}
	return wc.finishOpen(key, h1.New(hc), tlsCtx), nil
}

func (wc *WebClient) openPlain(
	ctx context.Context, key pool.PoolKey,
	op1 nop.Func[nop.Unit, netip.AddrPort],
	op2 nop.Func[netip.AddrPort, net.Conn],
	op3, op4 nop.Func[net.Conn, net.Conn],
) (pool.Session, error) {
	chain := nop.Compose4[nop.Unit, netip.AddrPort, net.Conn, net.Conn, net.Conn](op1, op2, op3, op4)
	conn, err := chain.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, &Unprocessed{Cause: err}
	}

	if key.Protocol == pool.H2C {
		sess, err := h2.New(wc.h2txp, conn)
		if err != nil {
			conn.Close()
			return nil, &Unprocessed{Cause: err}
		}
		return wc.finishOpen(key, sess, nil), nil
	}

	hc, err := nop.NewHTTPConnFuncPlain(wc.transportCfg, wc.cfg.Logger).Call(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, &Unprocessed{Cause: err}
	}
	return wc.finishOpen(key, h1.New(hc), nil), nil
}

// finishOpen tracks session with the keep-alive manager and, for TLS
// sessions, wraps it so closing releases tlsCtx's reference count.
func (wc *WebClient) finishOpen(key pool.PoolKey, session pool.Session, tlsCtx *tlscache.Context) pool.Session {
	out := session
	if tlsCtx != nil {
		out = &tlsRefSession{Session: session, tlsCtx: tlsCtx, now: wc.cfg.TimeNow}
	}
	if h2sess, ok := session.(*h2.Session); ok {
		h2sess.OnPingAck = func(id uint64) { wc.keepalive.NoteAck(out) }
	}
	wc.keepalive.Track(key, out)
	return out
}

// tlsRefSession wraps a [pool.Session] to release a [*tlscache.Context]'s
// reference count exactly once, on the session's first Close, following
// the same wrap-and-delegate shape as nop.observedConn.
type tlsRefSession struct {
	pool.Session
	tlsCtx *tlscache.Context
	now    func() time.Time

	mu       sync.Mutex
	released bool
}

var _ pool.Session = &tlsRefSession{}
var _ pool.Pinger = &tlsRefSession{}
var _ sessionUnwrapper = &tlsRefSession{}

// Unwrap implements [sessionUnwrapper].
func (s *tlsRefSession) Unwrap() pool.Session { return s.Session }

// Close implements [pool.Session].
func (s *tlsRefSession) Close(reason pool.CloseReason) error {
	err := s.Session.Close(reason)
	s.mu.Lock()
	if !s.released {
		s.released = true
		s.tlsCtx.Release(s.now)
	}
	s.mu.Unlock()
	return err
}

// Ping implements [pool.Pinger], delegating to the wrapped session if it
// supports pinging (true for [*h2.Session], not for [*h1.Session]).
func (s *tlsRefSession) Ping(id uint64) error {
	if p, ok := s.Session.(pool.Pinger); ok {
		return p.Ping(id)
	}
	return nil
}

// LastAckedPing implements [pool.Pinger].
func (s *tlsRefSession) LastAckedPing() uint64 {
	if p, ok := s.Session.(pool.Pinger); ok {
		return p.LastAckedPing()
	}
	return 0
}
