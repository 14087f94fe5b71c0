// SPDX-License-Identifier: GPL-3.0-or-later

package pool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fatalOnSentinel struct {
	sentinel error
}

func (r *fatalOnSentinel) IsFatal(err error) bool {
	return errors.Is(err, r.sentinel)
}

func TestOutlierDetectorMarksFatalErrorImmediately(t *testing.T) {
	sentinel := errors.New("certificate mismatch")
	now := time.Unix(0, 0)
	cfg := NewOutlierConfig()
	cfg.TimeNow = func() time.Time { return now }
	d := NewOutlierDetector(cfg, &fatalOnSentinel{sentinel: sentinel})
	key := testKey()

	assert.False(t, d.IsOutlier(key))
	d.RecordFailure(key, sentinel)
	assert.True(t, d.IsOutlier(key))
}

func TestOutlierDetectorMarksByFailureRateThreshold(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewOutlierConfig()
	cfg.MinRequests = 4
	cfg.FailureRateThreshold = 0.5
	cfg.TimeNow = func() time.Time { return now }
	d := NewOutlierDetector(cfg, nil)
	key := testKey()

	d.RecordSuccess(key)
	d.RecordFailure(key, errors.New("timeout"))
	assert.False(t, d.IsOutlier(key))

	d.RecordFailure(key, errors.New("timeout"))
	d.RecordFailure(key, errors.New("timeout"))
	assert.True(t, d.IsOutlier(key))
}

func TestOutlierDetectorClearResetsState(t *testing.T) {
	now := time.Unix(0, 0)
	cfg := NewOutlierConfig()
	cfg.TimeNow = func() time.Time { return now }
	d := NewOutlierDetector(cfg, &fatalOnSentinel{sentinel: errors.New("x")})
	key := testKey()

	d.RecordFailure(key, errors.New("x"))
	assert.True(t, d.IsOutlier(key))

	d.Clear(key)
	assert.False(t, d.IsOutlier(key))
}
