package ratelimit

import (
	"context"
	"sync"
	"time"
)

// minSleep keeps the refill loop from spinning when the deficit is tiny.
const minSleep = 10 * time.Millisecond

// Bucket is a token bucket with continuous refill. Tokens are fractional so
// the bucket refills smoothly instead of in window-sized bursts.
//
// Acquire serializes all callers: the bucket's lock is held for the whole
// call, including the sleep, so concurrent acquirers drain capacity one at a
// time. That is the contract the governor needs (aggregate rate compliance),
// not FIFO fairness.
type Bucket struct {
	sem        chan struct{} // 1-slot semaphore, context aware
	tokens     float64
	max        float64
	refillRate float64 // tokens per second
	last       time.Time

	// Snapshot of tokens/last under its own lock, so status reads never
	// queue behind an Acquire sleeping out a deficit.
	snapMu     sync.Mutex
	snapTokens float64
	snapLast   time.Time
}

// NewBucket creates a full bucket with the given capacity and refill rate.
func NewBucket(max, refillRate float64) *Bucket {
	now := time.Now()
	b := &Bucket{
		sem:        make(chan struct{}, 1),
		tokens:     max,
		max:        max,
		refillRate: refillRate,
		last:       now,
		snapTokens: max,
		snapLast:   now,
	}
	return b
}

func (b *Bucket) lock(ctx context.Context) error {
	select {
	case b.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bucket) unlock() {
	<-b.sem
}

// refill credits tokens for the elapsed time. Callers must hold the lock.
func (b *Bucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.max {
		b.tokens = b.max
	}
	b.last = now
	b.publish()
}

// publish copies the current tokens/last into the status snapshot. Callers
// must hold the lock.
func (b *Bucket) publish() {
	b.snapMu.Lock()
	b.snapTokens = b.tokens
	b.snapLast = b.last
	b.snapMu.Unlock()
}

// Acquire removes n tokens from the bucket, sleeping until enough have been
// refilled. It returns the total time spent waiting.
//
// Caller contract: n must not exceed the bucket capacity. A larger request
// can never be satisfied by refill alone and would wait forever (or until the
// context is cancelled); the governor's categories are sized so that no
// operation needs more than one window's burst.
func (b *Bucket) Acquire(ctx context.Context, n float64) (time.Duration, error) {
	if err := b.lock(ctx); err != nil {
		return 0, err
	}
	defer b.unlock()

	var waited time.Duration
	for {
		b.refill()

		if b.tokens >= n {
			b.tokens -= n
			b.publish()
			return waited, nil
		}

		sleep := time.Duration((n - b.tokens) / b.refillRate * float64(time.Second))
		if sleep < minSleep {
			sleep = minSleep
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return waited, ctx.Err()
		case <-timer.C:
			waited += sleep
		}
	}
}

// Available returns the current token count, extrapolating refill from the
// last published snapshot. It never takes the acquire semaphore, so status
// reads stay responsive while callers are sleeping out a deficit.
func (b *Bucket) Available() float64 {
	b.snapMu.Lock()
	tokens, last := b.snapTokens, b.snapLast
	b.snapMu.Unlock()

	tokens += time.Since(last).Seconds() * b.refillRate
	if tokens > b.max {
		tokens = b.max
	}
	return tokens
}

// Capacity returns the bucket's maximum token count.
func (b *Bucket) Capacity() float64 {
	return b.max
}

// RefillRate returns the bucket's refill rate in tokens per second.
func (b *Bucket) RefillRate() float64 {
	return b.refillRate
}
