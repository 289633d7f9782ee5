// Package network provides bandwidth management for transfer operations.
package network

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// BandwidthManager handles global speed limiting with zero overhead when disabled
type BandwidthManager struct {
	globalLimiter *rate.Limiter
	limitEnabled  atomic.Bool
	burst         atomic.Int64
}

// NewBandwidthManager creates a new bandwidth manager with no limits
func NewBandwidthManager() *BandwidthManager {
	return &BandwidthManager{
		globalLimiter: rate.NewLimiter(rate.Inf, 0),
	}
}

// SetLimit updates the global speed limit in bytes per second
// 0 means unlimited
func (bm *BandwidthManager) SetLimit(bytesPerSec int) {
	if bytesPerSec <= 0 {
		bm.limitEnabled.Store(false)
		bm.globalLimiter.SetLimit(rate.Inf)
		return
	}
	bm.burst.Store(int64(bytesPerSec))
	bm.globalLimiter.SetLimit(rate.Limit(bytesPerSec))
	bm.globalLimiter.SetBurst(bytesPerSec) // Allow 1s burst
	bm.limitEnabled.Store(true)
}

// Limit returns the configured limit in bytes per second, 0 when unlimited
func (bm *BandwidthManager) Limit() int {
	if !bm.limitEnabled.Load() {
		return 0
	}
	return int(bm.burst.Load())
}

// Wait blocks until the requested bytes can be consumed or ctx is done.
// Returns fast if limit is disabled
func (bm *BandwidthManager) Wait(ctx context.Context, bytes int) error {
	if !bm.limitEnabled.Load() {
		return nil
	}

	// WaitN rejects requests larger than the burst, so consume in burst-sized steps
	burst := int(bm.burst.Load())
	for bytes > 0 {
		n := bytes
		if burst > 0 && n > burst {
			n = burst
		}
		if err := bm.globalLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
