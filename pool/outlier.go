// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: github.com/bassosimone/nop's errclassifier.go (categorical
// error classification) driving the window in ratewindow.Counter.

package pool

import (
	"sync"
	"time"

	"github.com/bassosimone/webengine/ratewindow"
)

// OutlierRule decides whether an observed outcome should immediately mark
// an endpoint an outlier (a "FATAL" class failure, per spec §4.8, e.g. a
// TLS certificate mismatch) versus merely counting toward the
// failure-rate threshold.
type OutlierRule interface {
	// IsFatal reports whether err should mark the endpoint an outlier
	// immediately, skipping the sliding-window threshold entirely.
	IsFatal(err error) bool
}

// OutlierConfig configures an [OutlierDetector].
type OutlierConfig struct {
	// Window is the sliding window duration for failure-rate tracking.
	Window time.Duration

	// BucketSize is the resolution of the sliding window.
	BucketSize time.Duration

	// MinRequests is the minimum number of observations in the window
	// before the failure-rate threshold is evaluated at all.
	MinRequests int64

	// FailureRateThreshold marks the endpoint as an outlier once
	// exceeded, e.g. 0.5 for 50%.
	FailureRateThreshold float64

	// TimeNow returns the current time; overridable for tests.
	TimeNow func() time.Time
}

// NewOutlierConfig returns an [*OutlierConfig] with sensible defaults.
func NewOutlierConfig() *OutlierConfig {
	return &OutlierConfig{
		Window:               30 * time.Second,
		BucketSize:           5 * time.Second,
		MinRequests:          5,
		FailureRateThreshold: 0.5,
		TimeNow:              time.Now,
	}
}

// OutlierDetector tracks per-[PoolKey] success/failure ratios and marks an
// endpoint an outlier either immediately (fatal class) or once its
// failure rate crosses a threshold over a sliding window, per spec §4.8.
// It does not itself remove sessions from a [Pool]; callers consult
// [OutlierDetector.IsOutlier] before calling [Pool.Acquire] for a key, and
// may additionally force-close existing sessions on a fatal verdict.
type OutlierDetector struct {
	cfg  *OutlierConfig
	rule OutlierRule

	mu       sync.Mutex
	counters map[PoolKey]*ratewindow.Counter
	outliers map[PoolKey]bool
}

// NewOutlierDetector returns an [*OutlierDetector] using cfg and rule to
// classify fatal errors.
func NewOutlierDetector(cfg *OutlierConfig, rule OutlierRule) *OutlierDetector {
	return &OutlierDetector{
		cfg:      cfg,
		rule:     rule,
		counters: make(map[PoolKey]*ratewindow.Counter),
		outliers: make(map[PoolKey]bool),
	}
}

func (d *OutlierDetector) counterFor(key PoolKey) *ratewindow.Counter {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.counters[key]
	if !ok {
		c = ratewindow.New(d.cfg.Window, d.cfg.BucketSize, d.cfg.TimeNow)
		d.counters[key] = c
	}
	return c
}

// RecordSuccess records a successful exchange against key.
func (d *OutlierDetector) RecordSuccess(key PoolKey) {
	d.counterFor(key).RecordSuccess()
}

// RecordFailure records a failed exchange against key. If rule classifies
// err as fatal, key is marked an outlier immediately; otherwise the
// sliding-window failure rate is recomputed and compared against
// FailureRateThreshold.
func (d *OutlierDetector) RecordFailure(key PoolKey, err error) {
	if d.rule != nil && d.rule.IsFatal(err) {
		d.markOutlier(key)
		return
	}

	c := d.counterFor(key)
	c.RecordFailure()
	snap := c.Snapshot()
	if snap.Total() >= d.cfg.MinRequests && snap.FailureRate() > d.cfg.FailureRateThreshold {
		d.markOutlier(key)
	}
}

func (d *OutlierDetector) markOutlier(key PoolKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outliers[key] = true
}

// IsOutlier reports whether key is currently marked an outlier.
func (d *OutlierDetector) IsOutlier(key PoolKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.outliers[key]
}

// Clear removes the outlier mark for key, resetting its counter. Callers
// drive this from a periodic health re-check.
func (d *OutlierDetector) Clear(key PoolKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.outliers, key)
	delete(d.counters, key)
}
