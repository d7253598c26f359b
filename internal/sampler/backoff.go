package sampler

import "time"

// backoff doubles the restart delay from base up to max.
type backoff struct {
	base time.Duration
	cur  time.Duration
	max  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &backoff{base: base, cur: base, max: max}
}

// Next returns the delay to wait now and advances the window.
func (b *backoff) Next() time.Duration {
	d := b.cur
	if b.cur < b.max {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return d
}

// Reset makes the following Next return base again.
func (b *backoff) Reset() {
	b.cur = b.base
}
