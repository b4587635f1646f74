package mqtt

import "time"

// Backoff yields exponentially growing reconnect delays: Min, 2*Min, 4*Min and
// so on, capped at Max. Reset starts over at Min.
type Backoff struct {
	Min, Max time.Duration

	attempt int
}

func NewBackoff(min, max time.Duration) *Backoff {
	return &Backoff{Min: min, Max: max}
}

// Next returns the delay before the next retry and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Min
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

// Attempts is the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int { return b.attempt }
