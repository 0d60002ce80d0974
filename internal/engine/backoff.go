package engine

import "time"

// backoff produces the retry delays between failed sync passes: doubling
// from min up to a cap, reset to the floor by any success.
type backoff struct {
	min, max time.Duration
	cur      time.Duration
}

func newBackoff(min, max time.Duration) *backoff {
	return &backoff{min: min, max: max}
}

// next returns the delay to wait before the next retry.
func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.min
	} else {
		b.cur *= 2
		if b.cur > b.max {
			b.cur = b.max
		}
	}
	return b.cur
}

// reset returns the sequence to the floor.
func (b *backoff) reset() {
	b.cur = 0
}
