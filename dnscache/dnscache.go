// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's dnsexchange.go / dnsoverudp.go
// family (the Exchange shape and structured logging), generalized here into
// a caching resolution layer with TTL clamping and a pluggable resolver set.

// Package dnscache resolves (hostname, record type) questions to address
// records with positive/negative TTL caching, per spec §3 (DnsCacheEntry)
// and §4.1.
package dnscache

import (
	"context"
	"net/netip"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// RecordType enumerates the DNS record types this cache resolves.
type RecordType int

const (
	// TypeA resolves IPv4 addresses.
	TypeA RecordType = iota
	// TypeAAAA resolves IPv6 addresses.
	TypeAAAA
)

// Question identifies a single resolution request: a hostname and record
// type. IDN names are expected to already be A-label encoded by the
// caller; the trailing dot, if present, is preserved in Name but stripped
// from the SNI the TLS layer eventually uses (that stripping happens in
// the endpoint package, not here).
type Question struct {
	Name string
	Type RecordType
}

// normalized returns q with Name lowercased, for use as a cache key.
func (q Question) normalized() Question {
	q.Name = strings.ToLower(q.Name)
	return q
}

// Record is a single resolved address with its original answer TTL.
type Record struct {
	Addr netip.Addr
	TTL  time.Duration
}

// Resolver performs the actual wire resolution for one question. Multiple
// Resolvers may be configured; [Cache.Resolve] queries all of them
// concurrently on a cache miss and takes the first successful answer.
type Resolver interface {
	Resolve(ctx context.Context, q Question) ([]Record, error)
}

// ResolverFunc adapts a function to the [Resolver] interface.
type ResolverFunc func(ctx context.Context, q Question) ([]Record, error)

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(ctx context.Context, q Question) ([]Record, error) {
	return f(ctx, q)
}

// EvictCause describes why a [DnsCacheEntry] was removed.
type EvictCause int

const (
	// CauseExpired means the entry's TTL elapsed.
	CauseExpired EvictCause = iota
	// CauseRemoved means the entry was explicitly removed.
	CauseRemoved
	// CauseOverwritten means a new answer replaced the entry before expiry.
	CauseOverwritten
)

// Listener is invoked exactly once per eviction (TTL expiry, explicit
// remove, or overwrite), per spec §4.1.
type Listener func(q Question, records []Record, cacheErr error, cause EvictCause)

// entry is the cached state for one question: either a positive result
// (records non-nil) or a negative result (err non-nil), per spec §3
// DnsCacheEntry.
type entry struct {
	records  []Record
	err      error
	expireAt time.Time
}

// Config configures a [Cache].
type Config struct {
	// Resolvers are queried concurrently on a cache miss. At least one
	// must be set before calling Resolve.
	Resolvers []Resolver

	// MinTTL is the minimum bound applied to a positive answer's TTL.
	MinTTL time.Duration

	// MaxTTL is the maximum bound applied to a positive answer's TTL.
	MaxTTL time.Duration

	// NegativeTTL is the TTL applied to cached resolution failures
	// (e.g., NXDOMAIN).
	NegativeTTL time.Duration

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time
}

// NewConfig returns a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		MinTTL:      1 * time.Second,
		MaxTTL:      24 * time.Hour,
		NegativeTTL: 30 * time.Second,
		TimeNow:     time.Now,
	}
}

// Cache resolves questions to records with positive/negative TTL caching.
// Safe for concurrent use; writes are serialised per question via an
// internal [singleflight.Group].
type Cache struct {
	cfg *Config

	mu        sync.Mutex
	entries   map[Question]*entry
	listeners []Listener

	group singleflight.Group
}

// New returns a [*Cache] using cfg. Pass [NewConfig] for defaults.
func New(cfg *Config) *Cache {
	return &Cache{cfg: cfg, entries: make(map[Question]*entry)}
}

// AddListener registers fn to be called exactly once per eviction.
func (c *Cache) AddListener(fn Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Get returns the cached records or error for q. ok is false when there is
// no live cache entry (a "None" result per spec §4.1).
func (c *Cache) Get(q Question) (records []Record, cacheErr error, ok bool) {
	q = q.normalized()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(q)
}

func (c *Cache) getLocked(q Question) (records []Record, cacheErr error, ok bool) {
	e, found := c.entries[q]
	if !found {
		return nil, nil, false
	}
	if !c.cfg.TimeNow().Before(e.expireAt) {
		delete(c.entries, q)
		c.notify(q, e.records, e.err, CauseExpired)
		return nil, nil, false
	}
	return e.records, e.err, true
}

// Cache stores records (success) or cacheErr (failure) for q, clamping the
// TTL per spec §4.1.
func (c *Cache) Cache(q Question, records []Record, cacheErr error) {
	q = q.normalized()
	ttl := c.cfg.NegativeTTL
	if cacheErr == nil {
		ttl = c.clampTTL(minRecordTTL(records))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, found := c.entries[q]; found {
		c.notify(q, old.records, old.err, CauseOverwritten)
	}
	c.entries[q] = &entry{
		records:  records,
		err:      cacheErr,
		expireAt: c.cfg.TimeNow().Add(ttl),
	}
}

func (c *Cache) clampTTL(ttl time.Duration) time.Duration {
	if ttl < c.cfg.MinTTL {
		return c.cfg.MinTTL
	}
	if ttl > c.cfg.MaxTTL {
		return c.cfg.MaxTTL
	}
	return ttl
}

func minRecordTTL(records []Record) time.Duration {
	if len(records) == 0 {
		return 0
	}
	min := records[0].TTL
	for _, r := range records[1:] {
		if r.TTL < min {
			min = r.TTL
		}
	}
	return min
}

// Remove evicts the entry for q, if any, and notifies listeners once.
func (c *Cache) Remove(q Question) {
	q = q.normalized()
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, found := c.entries[q]; found {
		delete(c.entries, q)
		c.notify(q, e.records, e.err, CauseRemoved)
	}
}

// RemoveAll evicts every cached entry, notifying listeners once each.
func (c *Cache) RemoveAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for q, e := range c.entries {
		delete(c.entries, q)
		c.notify(q, e.records, e.err, CauseRemoved)
	}
}

// notify must be called with c.mu held.
func (c *Cache) notify(q Question, records []Record, cacheErr error, cause EvictCause) {
	for _, fn := range c.listeners {
		fn(q, records, cacheErr, cause)
	}
}

// Resolve returns the cached answer for q if live, otherwise queries all
// configured resolvers concurrently, caches the first successful (or
// wholly failed) outcome, and returns it. Concurrent Resolve calls for the
// identical question collapse into a single resolution attempt.
func (c *Cache) Resolve(ctx context.Context, q Question) ([]Record, error) {
	q = q.normalized()

	if records, cacheErr, ok := c.Get(q); ok {
		return records, cacheErr
	}

	v, err, _ := c.group.Do(q.Name+"|"+questionTypeKey(q.Type), func() (any, error) {
		records, resolveErr := c.queryResolvers(ctx, q)
		c.Cache(q, records, resolveErr)
		return records, resolveErr
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

func questionTypeKey(t RecordType) string {
	if t == TypeAAAA {
		return "AAAA"
	}
	return "A"
}

// queryResolvers issues concurrent queries to every configured resolver
// and returns the first successful answer. If all resolvers fail, the
// first observed error is returned. The cache itself never retries; that
// is left to the caller, per spec §4.1.
func (c *Cache) queryResolvers(ctx context.Context, q Question) ([]Record, error) {
	if len(c.cfg.Resolvers) == 0 {
		return nil, errNoResolvers
	}

	type result struct {
		records []Record
		err     error
	}
	results := make([]result, len(c.cfg.Resolvers))

	g, gctx := errgroup.WithContext(ctx)
	for i, r := range c.cfg.Resolvers {
		i, r := i, r
		g.Go(func() error {
			records, err := r.Resolve(gctx, q)
			results[i] = result{records: records, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var firstErr error
	for _, res := range results {
		if res.err == nil {
			return res.records, nil
		}
		if firstErr == nil {
			firstErr = res.err
		}
	}
	return nil, firstErr
}
