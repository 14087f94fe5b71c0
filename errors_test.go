// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnprocessedWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := &Unprocessed{Cause: cause}

	assert.True(t, IsUnprocessed(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestIsUnprocessedFalseForPlainError(t *testing.T) {
	assert.False(t, IsUnprocessed(errors.New("boom")))
}

func TestTimeoutErrorClassification(t *testing.T) {
	err := &TimeoutError{Kind: ResponseTimeoutKind, Cause: errors.New("deadline exceeded")}

	assert.True(t, IsTimeout(err))
	assert.True(t, err.Timeout())
	assert.Equal(t, "response_timeout", err.Kind.String())
}

func TestTimeoutKindStringCoversAllKinds(t *testing.T) {
	cases := map[TimeoutKind]string{
		ConnectTimeoutKind:      "connect_timeout",
		ResponseTimeoutKind:     "response_timeout",
		DNSTimeoutKind:          "dns_timeout",
		ProxyConnectTimeoutKind: "proxy_connect_timeout",
		WriteTimeoutKind:        "write_timeout",
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.String())
	}
}

func TestGoAwayWrappingAndDetection(t *testing.T) {
	err := WrapGoAway(42)

	assert.True(t, IsUnprocessed(err))
	assert.True(t, IsGoAway(err))

	var goAway *GoAwayReceived
	assert.ErrorAs(t, err, &goAway)
	assert.Equal(t, uint32(42), goAway.LastStreamID)
}

func TestIsGoAwayFalseWithoutGoAway(t *testing.T) {
	assert.False(t, IsGoAway(&Unprocessed{Cause: errors.New("reset")}))
}

func TestClosedSessionAndStreamCarryCommitted(t *testing.T) {
	session := &ClosedSession{Committed: true, Cause: errors.New("eof")}
	stream := &ClosedStream{Committed: false, Cause: errors.New("rst_stream")}

	assert.True(t, session.Committed)
	assert.False(t, stream.Committed)
	assert.ErrorIs(t, session, session.Cause)
	assert.ErrorIs(t, stream, stream.Cause)
}

func TestInvalidHttpResponseCarriesResponse(t *testing.T) {
	resp := &http.Response{StatusCode: 502}
	err := &InvalidHttpResponse{Response: resp, Cause: errors.New("bad gateway body")}

	assert.Same(t, resp, err.Response)
	assert.Contains(t, err.Error(), "502")
}
