// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's example_dnsoverudp_test.go /
// example_dnsoverhttps_test.go / example_dnsovertls_test.go pipelines,
// which compose EndpointFunc -> ConnectFunc -> ObserveConnFunc ->
// CancelWatchFunc -> {DNSOverUDPConnFunc,DNSOverTLSConnFunc,DNSOverHTTPSConnFunc}
// to obtain an owned DNS-capable connection and call Exchange on it.

package dnscache

import (
	"context"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/nop"
	"github.com/miekg/dns"
)

// udpResolver resolves questions by dialing a DNS-over-UDP server using
// nop's composable connection pipeline. One resolver instance talks to
// exactly one upstream server address.
type udpResolver struct {
	cfg    *nop.Config
	logger nop.SLogger
	server netip.AddrPort
}

// NewUDPResolver returns a [Resolver] that queries server over
// DNS-over-UDP, built on [nop.NewDNSOverUDPConnFunc].
func NewUDPResolver(cfg *nop.Config, logger nop.SLogger, server netip.AddrPort) Resolver {
	return &udpResolver{cfg: cfg, logger: logger, server: server}
}

func (r *udpResolver) Resolve(ctx context.Context, q Question) ([]Record, error) {
	pipeline := nop.Compose5(
		nop.NewEndpointFunc(r.server),
		nop.NewConnectFunc(r.cfg, "udp", r.logger),
		nop.NewObserveConnFunc(r.cfg, r.logger),
		nop.NewCancelWatchFunc(),
		nop.NewDNSOverUDPConnFunc(r.cfg, r.logger),
	)
	conn, err := pipeline.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := dnscodec.NewQuery(q.Name, recordType(q.Type))
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return recordsFromResponse(resp)
}

// NewTLSResolver returns a [Resolver] that queries server over
// DNS-over-TLS, built on [nop.NewDNSOverTLSConnFunc].
func NewTLSResolver(cfg *nop.Config, logger nop.SLogger, server netip.AddrPort, tlsHandshake *nop.TLSHandshakeFunc) Resolver {
	return &tlsResolverImpl{cfg: cfg, logger: logger, server: server, tlsHandshake: tlsHandshake}
}

type tlsResolverImpl struct {
	cfg          *nop.Config
	logger       nop.SLogger
	server       netip.AddrPort
	tlsHandshake *nop.TLSHandshakeFunc
}

func (r *tlsResolverImpl) Resolve(ctx context.Context, q Question) ([]Record, error) {
	pipeline := nop.Compose6(
		nop.NewEndpointFunc(r.server),
		nop.NewConnectFunc(r.cfg, "tcp", r.logger),
		nop.NewObserveConnFunc(r.cfg, r.logger),
		nop.NewCancelWatchFunc(),
		r.tlsHandshake,
		nop.NewDNSOverTLSConnFunc(r.cfg, r.logger),
	)
	conn, err := pipeline.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := dnscodec.NewQuery(q.Name, recordType(q.Type))
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return recordsFromResponse(resp)
}

// dohResolver resolves questions over DNS-over-HTTPS (DoH).
type dohResolver struct {
	cfg          *nop.Config
	logger       nop.SLogger
	server       netip.AddrPort
	tlsHandshake *nop.TLSHandshakeFunc
	url          string
}

// NewDoHResolver returns a [Resolver] that queries the DoH endpoint url
// over a TLS connection to server, built on
// [nop.NewDNSOverHTTPSConnFunc].
func NewDoHResolver(cfg *nop.Config, logger nop.SLogger, server netip.AddrPort, tlsHandshake *nop.TLSHandshakeFunc, url string) Resolver {
	return &dohResolver{cfg: cfg, logger: logger, server: server, tlsHandshake: tlsHandshake, url: url}
}

func (r *dohResolver) Resolve(ctx context.Context, q Question) ([]Record, error) {
	httpConnFn := nop.NewHTTPConnFuncTLS(r.cfg, r.logger)
	pipeline := nop.Compose7(
		nop.NewEndpointFunc(r.server),
		nop.NewConnectFunc(r.cfg, "tcp", r.logger),
		nop.NewObserveConnFunc(r.cfg, r.logger),
		nop.NewCancelWatchFunc(),
		r.tlsHandshake,
		httpConnFn,
		nop.NewDNSOverHTTPSConnFunc(r.cfg, r.url, r.logger),
	)
	conn, err := pipeline.Call(ctx, nop.Unit{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	query := dnscodec.NewQuery(q.Name, recordType(q.Type))
	resp, err := conn.Exchange(ctx, query)
	if err != nil {
		return nil, err
	}
	return recordsFromResponse(resp)
}

func recordType(t RecordType) uint16 {
	if t == TypeAAAA {
		return dns.TypeAAAA
	}
	return dns.TypeA
}

// recordsFromResponse converts a *dnscodec.Response's answer section into
// cache [Record] values, reading each resource record's TTL directly via
// the standard miekg/dns RR header (dnscodec.Response wraps the decoded
// *dns.Msg and exposes its answer records for this purpose).
func recordsFromResponse(resp *dnscodec.Response) ([]Record, error) {
	var out []Record
	for _, rr := range resp.Answers() {
		ttl := secondsToDuration(rr.Header().Ttl)
		switch rec := rr.(type) {
		case *dns.A:
			addr, ok := addrFromIP(rec.A.String())
			if ok {
				out = append(out, Record{Addr: addr, TTL: ttl})
			}
		case *dns.AAAA:
			addr, ok := addrFromIP(rec.AAAA.String())
			if ok {
				out = append(out, Record{Addr: addr, TTL: ttl})
			}
		}
	}
	return out, nil
}

func addrFromIP(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(s)
	return addr, err == nil
}

func secondsToDuration(seconds uint32) time.Duration {
	return time.Duration(seconds) * time.Second
}
