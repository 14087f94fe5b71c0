// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectionFailsOnEmptyGroup(t *testing.T) {
	for _, s := range []SelectionStrategy{&RoundRobin{}, &Weighted{}, NewSticky(func() string { return "k" })} {
		_, err := s.Select(nil)
		assert.ErrorIs(t, err, ErrEmptyEndpointGroup)
	}
}

func TestRoundRobinCycles(t *testing.T) {
	candidates := []Endpoint{New("a"), New("b"), New("c")}
	rr := &RoundRobin{}

	var got []string
	for i := 0; i < 4; i++ {
		e, err := rr.Select(candidates)
		assert.NoError(t, err)
		got = append(got, e.Host())
	}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestWeightedFavorsHigherWeight(t *testing.T) {
	candidates := []Endpoint{New("light").WithWeight(1), New("heavy").WithWeight(3)}
	w := &Weighted{}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		e, err := w.Select(candidates)
		assert.NoError(t, err)
		counts[e.Host()]++
	}
	assert.Equal(t, 2, counts["light"])
	assert.Equal(t, 6, counts["heavy"])
}

func TestStickyReturnsSameEndpointForSameKey(t *testing.T) {
	candidates := []Endpoint{New("a"), New("b")}
	s := NewSticky(func() string { return "client-1" })

	first, err := s.Select(candidates)
	assert.NoError(t, err)
	second, err := s.Select(candidates)
	assert.NoError(t, err)
	assert.Equal(t, first.Host(), second.Host())
}
