// SPDX-License-Identifier: GPL-3.0-or-later

package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Circuit breaker opens on server errors: with minimum_request_threshold=2,
// failure_rate_threshold=1.0, the second failure meets both thresholds and
// flips the breaker to Open; every later call fails with ErrFailFast
// without touching the transport.
func TestBreakerOpensOnFailureRateThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewConfig()
	cfg.MinimumRequestThreshold = 2
	cfg.FailureRateThreshold = 1.0
	cfg.TimeNow = func() time.Time { return now }
	b := New(cfg)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Closed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	require.ErrorIs(t, b.Allow(), ErrFailFast)

	assert.ErrorIs(t, b.Allow(), ErrFailFast)
}

func TestBreakerTransitionsOpenToHalfOpenAfterWindow(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewConfig()
	cfg.MinimumRequestThreshold = 1
	cfg.FailureRateThreshold = 1.0
	cfg.OpenWindow = 10 * time.Second
	cfg.TrialInterval = 1 * time.Second
	cfg.TimeNow = func() time.Time { return now }
	b := New(cfg)

	b.RecordFailure()
	require.Equal(t, Open, b.State())
	assert.ErrorIs(t, b.Allow(), ErrFailFast)

	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreakerHalfOpenSuccessClosesCircuit(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewConfig()
	cfg.MinimumRequestThreshold = 1
	cfg.FailureRateThreshold = 1.0
	cfg.OpenWindow = 10 * time.Second
	cfg.TimeNow = func() time.Time { return now }
	b := New(cfg)

	b.RecordFailure()
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewConfig()
	cfg.MinimumRequestThreshold = 1
	cfg.FailureRateThreshold = 1.0
	cfg.OpenWindow = 10 * time.Second
	cfg.TimeNow = func() time.Time { return now }
	b := New(cfg)

	b.RecordFailure()
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestBreakerHalfOpenOnlyAllowsSingleOutstandingProbe(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewConfig()
	cfg.MinimumRequestThreshold = 1
	cfg.FailureRateThreshold = 1.0
	cfg.OpenWindow = 10 * time.Second
	cfg.TrialInterval = 1 * time.Second
	cfg.TimeNow = func() time.Time { return now }
	b := New(cfg)

	b.RecordFailure()
	now = now.Add(11 * time.Second)
	require.NoError(t, b.Allow())

	assert.ErrorIs(t, b.Allow(), ErrFailFast)
}

func TestRegistryScopesByHostAndMethod(t *testing.T) {
	r := NewRegistry(NewConfig(), ScopeHostAndMethod)
	a := r.Get("a.example.com", "GET")
	b := r.Get("a.example.com", "POST")
	c := r.Get("a.example.com", "GET")

	assert.NotSame(t, a, b)
	assert.Same(t, a, c)
}

func TestRegistryScopesByHostOnly(t *testing.T) {
	r := NewRegistry(NewConfig(), ScopeHost)
	a := r.Get("a.example.com", "GET")
	b := r.Get("a.example.com", "POST")
	assert.Same(t, a, b)
}
