// Package retry computes deterministic exponential backoff delays.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential backoff without jitter: the nth retry waits
// Initial * 2^(n-1), capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before retry n (n >= 1). n <= 0 means no wait.
func (p Policy) Delay(n int) time.Duration {
	if n <= 0 || p.Initial <= 0 {
		return 0
	}
	b := p.exponential()
	d := b.NextBackOff()
	for i := 1; i < n && d < p.Max; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p Policy) exponential() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.Max
	if p.Max < p.Initial {
		b.MaxInterval = p.Initial
	}
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
