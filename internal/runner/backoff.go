package runner

import (
	"math/rand"
	"time"
)

// JitterFraction is the symmetric spread applied to every backoff delay.
const JitterFraction = 0.2

// Backoff computes exponentially growing, jittered reconnect delays.
//
// The stored delay is clamped to [Initial, Max] on every update; jitter is
// applied only to the value returned by Next.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	MinDelay   time.Duration
	Multiplier float64

	// Rand returns a float in [0, 1). Nil uses math/rand.
	Rand func() float64

	cur time.Duration
}

func NewBackoff(cfg Config, rnd func() float64) *Backoff {
	cfg = cfg.withDefaults()
	b := &Backoff{
		Initial:    cfg.InitialBackoff,
		Max:        cfg.MaxBackoff,
		MinDelay:   cfg.MinDelay,
		Multiplier: cfg.Multiplier,
		Rand:       rnd,
	}
	b.Reset()
	return b
}

// Current returns the un-jittered delay the next call to Next will start from.
func (b *Backoff) Current() time.Duration { return b.cur }

func (b *Backoff) Reset() { b.cur = b.clamp(b.Initial) }

// Next returns the delay to wait now and advances the stored delay.
func (b *Backoff) Next() time.Duration {
	d := b.Delay()
	b.cur = b.clamp(time.Duration(float64(b.cur) * b.Multiplier))
	return d
}

// Delay returns a jittered delay from the stored value without advancing it.
func (b *Backoff) Delay() time.Duration {
	d := min(b.clamp(b.cur), b.Max)

	r := rand.Float64
	if b.Rand != nil {
		r = b.Rand
	}
	spread := JitterFraction * (2*r() - 1)
	d += time.Duration(float64(d) * spread)
	return max(d, b.MinDelay)
}

func (b *Backoff) clamp(d time.Duration) time.Duration {
	if d < b.Initial {
		d = b.Initial
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}
