package helpers

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/smarthelmet/relay/helpers/atomic_clock"
)

// Backoff is limited exponential delay between restarts.
// First delay is 0. Update(false) multiplies next delay by K up to Max,
// Update(true) resets it to Min. Delay counts from last Update.
//
//	for {
//	  if !backoff.Wait(ctx) { return }
//	  err := op()
//	  backoff.Update(err == nil)
//	}
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	delay := b.limit(next)
	since := atomic_clock.Since(&b.last)
	if since >= delay {
		return 0
	}
	return b.round(delay - since)
}

// Wait returns false if ctx was done first.
func (b *Backoff) Wait(ctx context.Context) bool {
	return SleepContext(ctx, b.DelayBefore())
}

func (b *Backoff) Update(success bool) {
	next := b.Min
	if !success {
		next = b.limit(time.Duration(float32(atomic.LoadInt64(&b.next)) * b.K))
	}
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
