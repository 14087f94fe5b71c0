// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession is a minimal [Session] double for pool tests.
type fakeSession struct {
	mu         sync.Mutex
	proto      Protocol
	max        int32
	unfinished int32
	acquirable bool
	closed     bool
	closeAt    CloseReason
}

func newFakeSession(max int32) *fakeSession {
	return &fakeSession{max: max, acquirable: true}
}

func (s *fakeSession) Protocol() Protocol { return s.proto }

func (s *fakeSession) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.acquirable || s.unfinished >= s.max {
		return false
	}
	s.unfinished++
	return true
}

func (s *fakeSession) Release() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unfinished--
	return s.unfinished == 0
}

func (s *fakeSession) Acquirable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquirable
}

func (s *fakeSession) MaxConcurrentStreams() int32 { return s.max }

func (s *fakeSession) Close(reason CloseReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed, s.closeAt = true, reason
	s.acquirable = false
	return nil
}

// fakeOpener opens fakeSession values and counts how many times Open ran.
type fakeOpener struct {
	calls int32
	max   int32
	err   error
}

func (o *fakeOpener) Open(ctx context.Context, key PoolKey) (Session, error) {
	atomic.AddInt32(&o.calls, 1)
	if o.err != nil {
		return nil, o.err
	}
	return newFakeSession(o.max), nil
}

func testKey() PoolKey {
	return PoolKey{Protocol: H2, IP: netip.MustParseAddr("93.184.216.34"), Port: 443, SNI: "example.com"}
}

func TestAcquireOpensExactlyOnceForConcurrentCallers(t *testing.T) {
	opener := &fakeOpener{max: 8}
	p := New(NewConfig(), opener)
	key := testKey()

	const n = 8
	var wg sync.WaitGroup
	sessions := make([]Session, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := p.Acquire(context.Background(), key)
			require.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&opener.calls))
	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
}

func TestAcquireReusesIdleSessionWithoutReopening(t *testing.T) {
	opener := &fakeOpener{max: 4}
	p := New(NewConfig(), opener)
	key := testKey()

	s1, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)
	p.Release(key, s1)

	s2, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&opener.calls))
}

func TestAcquireOpensNewSessionWhenExistingIsSaturated(t *testing.T) {
	opener := &fakeOpener{max: 1}
	p := New(NewConfig(), opener)
	key := testKey()

	s1, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	s2, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	assert.NotSame(t, s1, s2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&opener.calls))
}

func TestAcquireFailsPastPendingAcquisitionBudget(t *testing.T) {
	opener := &fakeOpener{err: errors.New("dial failed")}
	cfg := NewConfig()
	cfg.MaxPendingAcquisitions = 0
	p := New(cfg, opener)
	key := testKey()

	// Simulate an in-flight connect by racing two callers; cfg of 0
	// means the second caller, seeing connecting != nil, must fail
	// immediately rather than queue.
	b := p.bucketFor(key)
	b.mu.Lock()
	b.connecting = &connectAttempt{done: make(chan struct{})}
	b.mu.Unlock()

	_, err := p.Acquire(context.Background(), key)
	var unprocessed *UnprocessedRequest
	assert.ErrorAs(t, err, &unprocessed)
	assert.ErrorIs(t, err, ErrTooManyPendingAcquisitions)
}

func TestReleaseClosesNonAcquirableIdleSession(t *testing.T) {
	opener := &fakeOpener{max: 1}
	p := New(NewConfig(), opener)
	key := testKey()

	s, err := p.Acquire(context.Background(), key)
	require.NoError(t, err)

	fs := s.(*fakeSession)
	fs.mu.Lock()
	fs.acquirable = false
	fs.mu.Unlock()

	p.Release(key, s)

	assert.True(t, fs.closed)
	assert.Empty(t, p.Sessions(key))
}
