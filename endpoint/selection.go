// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrEmptyEndpointGroup is returned by [SelectionStrategy.Select] when the
// group's current snapshot has no members, per spec §4.2.
var ErrEmptyEndpointGroup = errors.New("endpoint: empty endpoint group")

// SelectionStrategy picks one definite endpoint out of a group's current
// snapshot, or fails with [ErrEmptyEndpointGroup].
type SelectionStrategy interface {
	Select(candidates []Endpoint) (Endpoint, error)
}

// RoundRobin cycles through the candidates in order, wrapping around.
//
// The zero value is ready to use.
type RoundRobin struct {
	counter atomic.Uint64
}

var _ SelectionStrategy = &RoundRobin{}

// Select implements [SelectionStrategy].
func (r *RoundRobin) Select(candidates []Endpoint) (Endpoint, error) {
	if len(candidates) == 0 {
		return Endpoint{}, ErrEmptyEndpointGroup
	}
	idx := r.counter.Add(1) - 1
	return candidates[idx%uint64(len(candidates))], nil
}

// Weighted selects endpoints with probability proportional to
// [Endpoint.Weight], deterministically cycling through a precomputed
// weighted sequence rather than relying on a random source.
type Weighted struct {
	counter atomic.Uint64
}

var _ SelectionStrategy = &Weighted{}

// Select implements [SelectionStrategy].
func (w *Weighted) Select(candidates []Endpoint) (Endpoint, error) {
	if len(candidates) == 0 {
		return Endpoint{}, ErrEmptyEndpointGroup
	}
	var total uint64
	for _, e := range candidates {
		weight := e.Weight()
		if weight == 0 {
			weight = 1
		}
		total += uint64(weight)
	}
	idx := w.counter.Add(1) - 1
	target := idx % total
	var acc uint64
	for _, e := range candidates {
		weight := e.Weight()
		if weight == 0 {
			weight = 1
		}
		acc += uint64(weight)
		if target < acc {
			return e, nil
		}
	}
	// Unreachable unless candidates/weights mutate concurrently.
	return candidates[len(candidates)-1], nil
}

// KeyFunc derives a stickiness key (e.g., a client IP, a session cookie)
// from arbitrary caller-supplied context.
type KeyFunc func() string

// Sticky maps a stickiness key to a stable candidate index, so repeated
// calls with the same key return the same endpoint as long as the
// candidate set is unchanged in length.
type Sticky struct {
	keyFn KeyFunc

	mu     sync.Mutex
	assign map[string]int
}

var _ SelectionStrategy = &Sticky{}

// NewSticky returns a [*Sticky] strategy using keyFn to derive the
// stickiness key for each selection.
func NewSticky(keyFn KeyFunc) *Sticky {
	return &Sticky{keyFn: keyFn, assign: make(map[string]int)}
}

// Select implements [SelectionStrategy].
func (s *Sticky) Select(candidates []Endpoint) (Endpoint, error) {
	if len(candidates) == 0 {
		return Endpoint{}, ErrEmptyEndpointGroup
	}
	key := s.keyFn()

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.assign[key]
	if !ok || idx >= len(candidates) {
		idx = len(s.assign) % len(candidates)
		s.assign[key] = idx
	}
	return candidates[idx], nil
}
