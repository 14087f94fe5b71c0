// SPDX-License-Identifier: GPL-3.0-or-later

package h2

import (
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/bassosimone/webengine/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// newPipedSession spins up a real (in-memory) HTTP/2 connection: an
// http2.Server on one end of a net.Pipe and an http2.Transport-built
// *http2.ClientConn on the other, wrapping the client side in a
// [*Session]. The server answers every request with 200 OK.
func newPipedSession(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	return newPipedSessionWithMaxStreams(t, 0, handler)
}

// newPipedSessionWithMaxStreams is [newPipedSession], with the server
// advertising maxStreams via its own SETTINGS frame (0 leaves the
// server's built-in default in place).
func newPipedSessionWithMaxStreams(t *testing.T, maxStreams uint32, handler http.Handler) *Session {
	t.Helper()
	serverConn, clientConn := net.Pipe()

	go func() {
		srv := &http2.Server{MaxConcurrentStreams: maxStreams}
		srv.ServeConn(serverConn, &http2.ServeConnOpts{Handler: handler})
	}()

	txp := &http2.Transport{AllowHTTP: true}
	cc, err := txp.NewClientConn(clientConn)
	require.NoError(t, err)

	t.Cleanup(func() { clientConn.Close() })
	return &Session{conn: clientConn, cc: cc, txp: txp, acquirable: true}
}

func TestSessionProtocolIsH2(t *testing.T) {
	s := newPipedSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	assert.Equal(t, pool.H2, s.Protocol())
}

func TestMaxConcurrentStreamsFromStateReportsOneBeforeSettingsObserved(t *testing.T) {
	assert.Equal(t, int32(1), maxConcurrentStreamsFromState(http2.ClientConnState{}))
}

func TestMaxConcurrentStreamsFromStateReflectsPeerLimit(t *testing.T) {
	assert.Equal(t, int32(250), maxConcurrentStreamsFromState(http2.ClientConnState{MaxConcurrentStreams: 250}))
}

func TestMaxConcurrentStreamsFromStateIsZeroOnceClosed(t *testing.T) {
	assert.Equal(t, int32(0), maxConcurrentStreamsFromState(http2.ClientConnState{MaxConcurrentStreams: 250, Closed: true}))
}

func TestSessionAdoptsPeersMaxConcurrentStreamsFromSettings(t *testing.T) {
	s := newPipedSessionWithMaxStreams(t, 250, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	assert.Eventually(t, func() bool {
		return s.MaxConcurrentStreams() == 250
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionTryAcquireRespectsConcurrencyCeiling(t *testing.T) {
	s := newPipedSessionWithMaxStreams(t, 1, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.Eventually(t, func() bool {
		return s.MaxConcurrentStreams() == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, s.TryAcquire())
	assert.False(t, s.TryAcquire())

	idle := s.Release()
	assert.True(t, idle)
	assert.True(t, s.TryAcquire())
}

func TestSessionRoundTripSucceedsOverPipe(t *testing.T) {
	s := newPipedSessionWithMaxStreams(t, 10, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	require.Eventually(t, func() bool {
		return s.MaxConcurrentStreams() == 10
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, s.TryAcquire())

	req, err := http.NewRequest(http.MethodGet, "https://example.com/", nil)
	require.NoError(t, err)
	resp, err := s.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}

func TestTranslateGoAwayWrapsHTTP2GoAwayError(t *testing.T) {
	s := &Session{acquirable: true}
	underlying := http2.GoAwayError{LastStreamID: 7, ErrCode: http2.ErrCodeNo, DebugData: "bye"}

	got := s.translateGoAway(underlying)

	var goAway *GoAwayError
	require.ErrorAs(t, got, &goAway)
	assert.Equal(t, uint32(7), goAway.LastStreamID)
	assert.ErrorIs(t, got, underlying)

	id, received := s.LastStreamID()
	assert.True(t, received)
	assert.Equal(t, uint32(7), id)
	assert.False(t, s.Acquirable())
}

func TestTranslateGoAwayPassesThroughOtherErrors(t *testing.T) {
	s := &Session{acquirable: true}
	other := errors.New("connection reset")

	got := s.translateGoAway(other)

	assert.Same(t, other, got)
	_, received := s.LastStreamID()
	assert.False(t, received)
}

func TestSessionCloseIsIdempotentAndRevokesAcquisition(t *testing.T) {
	s := newPipedSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.NoError(t, s.Close(pool.CloseGoAway))
	require.NoError(t, s.Close(pool.CloseGoAway))
	assert.False(t, s.Acquirable())
	assert.False(t, s.TryAcquire())
}

func TestSessionPingInvokesOnAck(t *testing.T) {
	s := newPipedSession(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	acked := make(chan uint64, 1)
	s.OnPingAck = func(id uint64) { acked <- id }

	require.NoError(t, s.Ping(42))
	select {
	case id := <-acked:
		assert.Equal(t, uint64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("ping was never acknowledged")
	}
}
