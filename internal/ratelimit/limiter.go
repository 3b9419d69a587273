// Package ratelimit implements the per-upstream rate limiter: a lock-free
// token bucket whose entire state lives in a single atomic word, in the
// style of the packed-uint64 limiter used across the retrieved rate
// limiter examples (see other_examples/iryndin-limitron's rl.go). There is
// no blocking variant and no burst above the configured cap, even after a
// long idle period.
package ratelimit

import (
	"sync/atomic"
	"time"
)

// Outcome is the result of a TryAcquire call.
type Outcome int

const (
	// Acquired means the caller may send exactly one request.
	Acquired Outcome = iota
	// RateLimited means the caller must try another server or wait.
	RateLimited
)

func (o Outcome) String() string {
	if o == Acquired {
		return "acquired"
	}
	return "rate_limited"
}

// Limiter caps throughput to maxTokens per period with no burst: the
// available token count never exceeds maxTokens, regardless of how long
// the limiter has been idle. State is packed into a single uint64 (high
// 32 bits: available tokens, low 32 bits: epoch-second of last refill),
// read and updated with a lock-free compare-and-swap loop.
type Limiter struct {
	state         uint64
	maxTokens     uint32
	periodSeconds uint32
}

// New returns a Limiter that allows up to maxTokens acquisitions per
// period. period is truncated to whole seconds; per-second granularity is
// sufficient for this limiter's purpose (§4.1).
func New(maxTokens uint32, period time.Duration) *Limiter {
	if maxTokens == 0 {
		panic("ratelimit: maxTokens must be > 0")
	}
	periodSeconds := uint32(period / time.Second)
	if periodSeconds == 0 {
		periodSeconds = 1
	}
	l := &Limiter{maxTokens: maxTokens, periodSeconds: periodSeconds}
	l.state = pack(maxTokens, nowSeconds())
	return l
}

// NewPerSecond returns a Limiter enforcing a hard per-second cap.
func NewPerSecond(maxPerSecond uint32) *Limiter {
	return New(maxPerSecond, time.Second)
}

// NewPerMinute returns a Limiter enforcing a hard per-minute cap.
func NewPerMinute(maxPerMinute uint32) *Limiter {
	return New(maxPerMinute, time.Minute)
}

// MaxTokens reports the configured cap for this limiter.
func (l *Limiter) MaxTokens() uint32 { return l.maxTokens }

// TryAcquire attempts to consume a single token. It never blocks.
func (l *Limiter) TryAcquire() Outcome {
	for {
		old := atomic.LoadUint64(&l.state)
		tokens, last := unpack(old)
		now := nowSeconds()

		available := tokens
		if now > last {
			elapsed := uint64(now - last)
			refill := (elapsed * uint64(l.maxTokens)) / uint64(l.periodSeconds)
			total := uint64(tokens) + refill
			if total > uint64(l.maxTokens) {
				total = uint64(l.maxTokens)
			}
			available = uint32(total)
		}

		if available == 0 {
			return RateLimited
		}

		next := pack(available-1, now)
		if atomic.CompareAndSwapUint64(&l.state, old, next) {
			return Acquired
		}
		// CAS lost the race to a concurrent caller; retry from the current state.
	}
}

func pack(tokens, epochSeconds uint32) uint64 {
	return uint64(tokens)<<32 | uint64(epochSeconds)
}

func unpack(state uint64) (tokens, epochSeconds uint32) {
	return uint32(state >> 32), uint32(state)
}

func nowSeconds() uint32 {
	return uint32(time.Now().Unix())
}

// Pair bundles a per-second and a per-minute limiter, both of which must
// yield Acquired for a request to proceed (§9 open question: max_per_min
// is an independent second bucket, not an alternative encoding of
// max_per_secs).
type Pair struct {
	perSecond *Limiter
	perMinute *Limiter
}

// NewPair builds a Pair from optional per-second/per-minute caps. Either
// may be nil to disable that bucket.
func NewPair(maxPerSecond, maxPerMinute *uint32) *Pair {
	p := &Pair{}
	if maxPerSecond != nil {
		p.perSecond = NewPerSecond(*maxPerSecond)
	}
	if maxPerMinute != nil {
		p.perMinute = NewPerMinute(*maxPerMinute)
	}
	return p
}

// TryAcquire delegates to both configured buckets. A request only
// proceeds if every configured bucket currently has a token; a token
// already taken from one bucket when the other rejects is not refunded,
// consistent with this being a hard cap rather than a credit system.
func (p *Pair) TryAcquire() Outcome {
	if p == nil {
		return Acquired
	}
	if p.perSecond != nil {
		if p.perSecond.TryAcquire() == RateLimited {
			return RateLimited
		}
	}
	if p.perMinute != nil {
		if p.perMinute.TryAcquire() == RateLimited {
			return RateLimited
		}
	}
	return Acquired
}

// Configured reports whether any bucket is active.
func (p *Pair) Configured() bool {
	return p != nil && (p.perSecond != nil || p.perMinute != nil)
}
