// SPDX-License-Identifier: GPL-3.0-or-later

package h1

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/nop"
	"github.com/bassosimone/webengine/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConn(t *testing.T) *nop.HTTPConn {
	t.Helper()
	mockConn := &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
		CloseFunc:      func() error { return nil },
	}
	fn := nop.NewHTTPConnFuncPlain(nop.NewConfig(), nop.DefaultSLogger())
	hc, err := fn.Call(context.Background(), mockConn)
	require.NoError(t, err)
	return hc
}

func TestNormalizePathCollapsesLeadingSlashes(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com//foo//bar", nil)
	normalizePath(req)
	assert.Equal(t, "/foo/bar", req.URL.Path)
}

func TestNormalizePathLeavesSingleSlashAlone(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/foo/bar", nil)
	normalizePath(req)
	assert.Equal(t, "/foo/bar", req.URL.Path)
}

func TestSuppressEmptyBodyFramingRemovesHeadersWhenBodyless(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example.com/", nil)
	req.Header.Set("Content-Length", "0")
	req.Header.Set("Transfer-Encoding", "chunked")
	suppressEmptyBodyFraming(req)
	assert.Empty(t, req.Header.Get("Content-Length"))
	assert.Empty(t, req.Header.Get("Transfer-Encoding"))
}

func TestSuppressEmptyBodyFramingKeepsHeadersWhenBodyPresent(t *testing.T) {
	req, _ := http.NewRequest(http.MethodPost, "http://example.com/", strings.NewReader("x"))
	req.Header.Set("Content-Length", "1")
	suppressEmptyBodyFraming(req)
	assert.Equal(t, "1", req.Header.Get("Content-Length"))
}

func TestSessionTryAcquireIsExclusive(t *testing.T) {
	s := New(newTestConn(t))
	require.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())

	idle := s.Release()
	assert.True(t, idle)
	assert.True(t, s.TryAcquire())
}

func TestSessionMaxConcurrentStreamsIsOne(t *testing.T) {
	s := New(newTestConn(t))
	assert.Equal(t, int32(1), s.MaxConcurrentStreams())
	assert.Equal(t, pool.H1, s.Protocol())
}

func TestSessionCloseIsIdempotentAndRevokesAcquisition(t *testing.T) {
	s := New(newTestConn(t))
	require.NoError(t, s.Close(pool.CloseConnectionIdle))
	require.NoError(t, s.Close(pool.CloseConnectionIdle))
	assert.False(t, s.Acquirable())
	assert.False(t, s.TryAcquire())
}
