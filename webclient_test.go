// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"crypto/x509"
	"errors"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/bassosimone/webengine/endpoint"
	"github.com/bassosimone/webengine/pool"
	"github.com/bassosimone/webengine/tlscache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal [pool.Session] double, optionally implementing
// [pool.Pinger], for webclient-level tests that never touch a socket.
type fakeSession struct {
	pingCalls     []uint64
	lastAcked     uint64
	pingErr       error
	closedReasons []pool.CloseReason
}

func (s *fakeSession) Protocol() pool.Protocol    { return pool.H1 }
func (s *fakeSession) TryAcquire() bool           { return true }
func (s *fakeSession) Release() (idle bool)       { return true }
func (s *fakeSession) Acquirable() bool           { return true }
func (s *fakeSession) MaxConcurrentStreams() int32 { return 1 }
func (s *fakeSession) Close(reason pool.CloseReason) error {
	s.closedReasons = append(s.closedReasons, reason)
	return nil
}
func (s *fakeSession) Ping(id uint64) error {
	s.pingCalls = append(s.pingCalls, id)
	return s.pingErr
}
func (s *fakeSession) LastAckedPing() uint64 { return s.lastAcked }

func TestProtocolForChoosesH2ByDefaultOverTLS(t *testing.T) {
	wc := &WebClient{cfg: NewConfig()}
	assert.Equal(t, pool.H2, wc.protocolFor(true))
}

func TestProtocolForPrefersH1WhenConfigured(t *testing.T) {
	cfg := NewConfig()
	cfg.PreferHTTP1 = true
	wc := &WebClient{cfg: cfg}
	assert.Equal(t, pool.H1, wc.protocolFor(true))
}

func TestProtocolForPlainDefaultsToH1C(t *testing.T) {
	wc := &WebClient{cfg: NewConfig()}
	assert.Equal(t, pool.H1C, wc.protocolFor(false))
}

func TestProtocolForPlainWithPrefaceIsH2C(t *testing.T) {
	cfg := NewConfig()
	cfg.UseHTTP2Preface = true
	wc := &WebClient{cfg: cfg}
	assert.Equal(t, pool.H2C, wc.protocolFor(false))
}

func TestResolvedPortUsesEndpointPortWhenSet(t *testing.T) {
	ep := endpoint.New("example.com").WithPort(8443)
	assert.Equal(t, uint16(8443), resolvedPort(ep, true))
}

func TestResolvedPortDefaultsByScheme(t *testing.T) {
	ep := endpoint.New("example.com")
	assert.Equal(t, uint16(443), resolvedPort(ep, true))
	assert.Equal(t, uint16(80), resolvedPort(ep, false))
}

func TestResolveIPUsesPreResolvedAddressWithoutDNS(t *testing.T) {
	wc := &WebClient{cfg: NewConfig()}
	ip := netip.MustParseAddr("93.184.216.34")
	ep := endpoint.NewWithIP("example.com", ip)

	got, err := wc.resolveIP(t.Context(), ep)
	require.NoError(t, err)
	assert.Equal(t, ip, got)
}

func TestApplyDefaultHeadersDoesNotOverrideExisting(t *testing.T) {
	req, err := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "custom/1.0")

	defaults := http.Header{}
	defaults.Set("User-Agent", "webengine/1.0")
	defaults.Set("Accept", "*/*")

	applyDefaultHeaders(req, defaults)

	assert.Equal(t, "custom/1.0", req.Header.Get("User-Agent"))
	assert.Equal(t, "*/*", req.Header.Get("Accept"))
}

func TestRoundTripOnUnsupportedSessionTypeReturnsError(t *testing.T) {
	_, err := roundTripOn(t.Context(), &fakeSession{}, &http.Request{})
	assert.Error(t, err)
}

func TestRoundTripOnUnwrapsThroughWrapper(t *testing.T) {
	inner := &fakeSession{}
	wrapped := &tlsRefSession{Session: inner, tlsCtx: newTestTLSContext(t), now: time.Now}

	_, err := roundTripOn(t.Context(), wrapped, &http.Request{})
	assert.Error(t, err) // fakeSession is still not *h1.Session/*h2.Session
}

func TestCertificateFatalRuleClassifiesCertificateErrors(t *testing.T) {
	rule := certificateFatalRule{}

	assert.True(t, rule.IsFatal(x509.UnknownAuthorityError{}))
	assert.True(t, rule.IsFatal(x509.CertificateInvalidError{}))
	assert.True(t, rule.IsFatal(x509.HostnameError{}))
	assert.False(t, rule.IsFatal(errors.New("connection reset")))
}

func newTestTLSContext(t *testing.T) *tlscache.Context {
	t.Helper()
	factory := tlscache.NewFactory(tlscache.NewConfig(), &tlscache.StaticKeyPairResolver{}, tlscache.TrustConfig{}, nil)
	return factory.Get("example.com")
}

func TestTLSRefSessionReleasesTLSContextExactlyOnceOnClose(t *testing.T) {
	cfg := tlscache.NewConfig()
	cfg.EvictionGrace = 0
	now := time.Unix(0, 0)
	cfg.TimeNow = func() time.Time { return now }
	factory := tlscache.NewFactory(cfg, &tlscache.StaticKeyPairResolver{}, tlscache.TrustConfig{}, nil)
	tlsCtx := factory.Get("example.com")

	inner := &fakeSession{}
	wrapped := &tlsRefSession{Session: inner, tlsCtx: tlsCtx, now: func() time.Time { return now }}

	require.NoError(t, wrapped.Close(pool.CloseConnectionIdle))
	require.NoError(t, wrapped.Close(pool.CloseConnectionIdle))

	factory.Sweep()
	assert.Equal(t, 0, factory.Len())
	assert.Equal(t, []pool.CloseReason{pool.CloseConnectionIdle, pool.CloseConnectionIdle}, inner.closedReasons)
}

func TestTLSRefSessionDelegatesPinger(t *testing.T) {
	inner := &fakeSession{lastAcked: 7}
	wrapped := &tlsRefSession{Session: inner, tlsCtx: newTestTLSContext(t), now: time.Now}

	require.NoError(t, wrapped.Ping(3))
	assert.Equal(t, []uint64{3}, inner.pingCalls)
	assert.Equal(t, uint64(7), wrapped.LastAckedPing())
}

func TestTLSRefSessionUnwrapReturnsInner(t *testing.T) {
	inner := &fakeSession{}
	wrapped := &tlsRefSession{Session: inner, tlsCtx: newTestTLSContext(t), now: time.Now}

	assert.Same(t, inner, wrapped.Unwrap())
}
