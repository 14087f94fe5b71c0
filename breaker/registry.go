// SPDX-License-Identifier: GPL-3.0-or-later

package breaker

import "sync"

// Scope controls which components of a request form a [Key], per spec
// §4.8's "per-host / per-method / per-host-and-method" options.
type Scope int

const (
	// ScopeHost keys breakers by host only.
	ScopeHost Scope = iota
	// ScopeMethod keys breakers by method only.
	ScopeMethod
	// ScopeHostAndMethod keys breakers by host and method together.
	ScopeHostAndMethod
)

// keyFor derives the effective [Key] for scope from host and method.
func keyFor(scope Scope, host, method string) Key {
	switch scope {
	case ScopeMethod:
		return Key{Method: method}
	case ScopeHostAndMethod:
		return Key{Host: host, Method: method}
	default:
		return Key{Host: host}
	}
}

// Registry lazily creates and caches one [*Breaker] per [Key], per
// spec §4.8's "per-host / per-method / per-host-and-method" scoping.
type Registry struct {
	cfg   *Config
	scope Scope

	mu       sync.Mutex
	breakers map[Key]*Breaker
}

// NewRegistry returns a [*Registry] scoping breakers per scope, each
// configured with cfg.
func NewRegistry(cfg *Config, scope Scope) *Registry {
	return &Registry{cfg: cfg, scope: scope, breakers: make(map[Key]*Breaker)}
}

// Get returns the [*Breaker] for host/method, creating it if necessary.
func (r *Registry) Get(host, method string) *Breaker {
	k := keyFor(r.scope, host, method)

	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[k]
	if !ok {
		b = New(r.cfg)
		r.breakers[k] = b
	}
	return b
}
