// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the Config/constructor idiom of github.com/bassosimone/nop's
// config.go, applied to a named-remote-target model instead of dial config.

// Package endpoint models named remote targets (Endpoint) and dynamically
// updated sets of them (EndpointGroup), per spec §3 and §4.2.
package endpoint

import (
	"net/netip"
	"strings"
)

// Endpoint is a named remote target: a host (and optionally a resolved IP),
// port, selection weight, and free-form attributes.
//
// The zero value is not useful; construct with [New] or [NewWithIP].
type Endpoint struct {
	host   string
	ip     netip.Addr
	hasIP  bool
	port   uint16
	hasPrt bool
	weight uint32
	attrs  map[string]any
}

// New returns an [Endpoint] for the given hostname. The hostname is
// lowercased; a trailing dot is preserved.
func New(host string) Endpoint {
	return Endpoint{host: strings.ToLower(host), weight: 1}
}

// NewWithIP returns an [Endpoint] carrying a pre-resolved IP address.
func NewWithIP(host string, ip netip.Addr) Endpoint {
	e := New(host)
	e.ip = ip
	e.hasIP = true
	return e
}

// WithPort returns a copy of e with the given port set.
func (e Endpoint) WithPort(port uint16) Endpoint {
	e.port = port
	e.hasPrt = true
	return e
}

// WithWeight returns a copy of e with the given selection weight set.
func (e Endpoint) WithWeight(weight uint32) Endpoint {
	e.weight = weight
	return e
}

// WithAttribute returns a copy of e with the given attribute set.
func (e Endpoint) WithAttribute(key string, value any) Endpoint {
	out := e
	out.attrs = make(map[string]any, len(e.attrs)+1)
	for k, v := range e.attrs {
		out.attrs[k] = v
	}
	out.attrs[key] = value
	return out
}

// Host returns the lowercased ASCII hostname, trailing dot preserved.
func (e Endpoint) Host() string {
	return e.host
}

// IP returns the pre-resolved IP address and whether one is set.
func (e Endpoint) IP() (netip.Addr, bool) {
	return e.ip, e.hasIP
}

// Port returns the configured port and whether one is set.
func (e Endpoint) Port() (uint16, bool) {
	return e.port, e.hasPrt
}

// Weight returns the selection weight (defaults to 1).
func (e Endpoint) Weight() uint32 {
	return e.weight
}

// Attribute returns the attribute stored under key, if any.
func (e Endpoint) Attribute(key string) (any, bool) {
	v, ok := e.attrs[key]
	return v, ok
}

// Authority renders the "host[:port]" form used for HTTP headers
// (:authority / Host). The trailing dot, if any, is preserved here.
func (e Endpoint) Authority() string {
	if !e.hasPrt {
		return e.host
	}
	return e.host + ":" + portString(e.port)
}

// SNI renders the hostname to use in a TLS ClientHello: lowercased,
// trailing dot stripped, per spec §4.3.
func (e Endpoint) SNI() string {
	return strings.TrimSuffix(e.host, ".")
}

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}
