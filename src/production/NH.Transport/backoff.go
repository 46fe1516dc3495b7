package transport

import (
	"math"
	"time"
)

// Backoff is a capped exponential delay schedule
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before the retry that follows the given number of
// consecutive failures. Zero or one failures wait Initial.
func (b Backoff) Delay(failures int) time.Duration {
	if failures <= 1 {
		return b.capped(float64(b.Initial))
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Initial) * math.Pow(mult, float64(failures-1))
	return b.capped(d)
}

func (b Backoff) capped(d float64) time.Duration {
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}
