package helpers

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/temoto/mdp/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays.
// Stateful use: DelayBefore() + Update(ok), counts consecutive failures.
// Stateless use: Delay(attempt) for a known attempt number.
// First delay is always 0.
type Backoff struct {
	next     int64 // atomic align
	failures int32
	last     atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
//
//	for {
//	  time.Sleep(backoff.DelayBefore())
//	  err := op()
//	  backoff.Update(err==nil)
//	}
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

// Delay before attempt number n (1-based) when previous n-1 attempts failed.
// Delay(1)=0, Delay(2)=Min, Delay(3)=Min*K ... up to Max.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	k := float64(b.K)
	if k < 1 {
		k = 1
	}
	d := float64(b.Min) * math.Pow(k, float64(attempt-2))
	if d > float64(math.MaxInt64) {
		return b.limit(b.Max)
	}
	return b.limit(time.Duration(d))
}

// Increase next DelayBefore()
func (b *Backoff) Failure() {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		next = time.Duration(float32(next) * b.K)
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
	atomic.AddInt32(&b.failures, 1)
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
	atomic.StoreInt32(&b.failures, 0)
}

func (b *Backoff) Update(success bool) {
	if success {
		b.Reset()
	} else {
		b.Failure()
	}
}

// Failures since last Reset.
func (b *Backoff) Failures() int { return int(atomic.LoadInt32(&b.failures)) }

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
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
