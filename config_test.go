// SPDX-License-Identifier: GPL-3.0-or-later

package webengine

import (
	"testing"
	"time"

	"github.com/bassosimone/webengine/breaker"
	"github.com/stretchr/testify/assert"
)

func TestNewConfigHasUsableDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Greater(t, cfg.ConnectTimeout, time.Duration(0))
	assert.Equal(t, 3, cfg.MaxTotalAttempts)
	assert.Equal(t, 20, cfg.MaxRedirects)
	assert.NotNil(t, cfg.DNSConfig)
	assert.NotNil(t, cfg.TLSCacheConfig)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, cfg.ErrClassifier)
	assert.NotNil(t, cfg.TimeNow)
	assert.NotNil(t, cfg.BreakerConfig)
	assert.Equal(t, breaker.ScopeHost, cfg.BreakerScope)
}

func TestClientOptionsOverrideDefaults(t *testing.T) {
	cfg := NewConfig()
	for _, opt := range []ClientOption{
		WithMaxTotalAttempts(5),
		WithMaxRedirects(7),
		WithAllowEmptyEndpoints(),
		WithPreferHTTP1(),
		WithHTTP2Preface(),
		WithTLSNoVerify("internal.example.com"),
		WithDefaultHeader("X-Client", "webengine"),
	} {
		opt(cfg)
	}

	assert.Equal(t, 5, cfg.MaxTotalAttempts)
	assert.Equal(t, 7, cfg.MaxRedirects)
	assert.True(t, cfg.AllowEmptyEndpoints)
	assert.True(t, cfg.PreferHTTP1)
	assert.True(t, cfg.UseHTTP2Preface)
	assert.Contains(t, cfg.TLSNoVerifyHosts, "internal.example.com")
	assert.Equal(t, "webengine", cfg.DefaultHeaders.Get("X-Client"))
}

func TestWithTLSNoVerifyWithoutHostsDisablesGlobally(t *testing.T) {
	cfg := NewConfig()
	WithTLSNoVerify()(cfg)

	assert.True(t, cfg.TLSNoVerify)
	assert.Empty(t, cfg.TLSNoVerifyHosts)
}

func TestWithBaseURIScopesRedirectAllowlist(t *testing.T) {
	cfg := NewConfig()
	WithBaseURI("https://api.example.com", "cdn.example.com", "auth.example.com")(cfg)

	assert.Equal(t, "https://api.example.com", cfg.BaseURI)
	assert.ElementsMatch(t, []string{"cdn.example.com", "auth.example.com"}, cfg.RedirectAllowedHosts)
}

func TestWithBreakerNilConfigDisablesCircuitBreaking(t *testing.T) {
	cfg := NewConfig()
	WithBreaker(nil, breaker.ScopeHost)(cfg)

	assert.Nil(t, cfg.BreakerConfig)
}
