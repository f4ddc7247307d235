package engine

import (
	"math/rand"
	"time"
)

// Backoff computes reconnect delays: exponential growth from Base capped
// at Cap, with full jitter so concurrent clients do not reconnect in
// lockstep.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given reconnect attempt. Attempts
// count from 1.
func (b Backoff) Delay(attempt int) time.Duration {
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	ceiling := b.Cap
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	window := base
	for i := 1; i < attempt; i++ {
		window *= 2
		if window >= ceiling {
			window = ceiling
			break
		}
	}
	if window <= 0 {
		window = ceiling
	}
	return time.Duration(rand.Int63n(int64(window)))
}
