package realtime

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// linearBackOff waits attempt*Base, capped at Max, and stops after
// MaxAttempts. It is held by value inside the machine so a transition only
// ever mutates its own copy.
type linearBackOff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int

	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	if b.MaxAttempts > 0 && b.attempt >= b.MaxAttempts {
		return backoff.Stop
	}
	b.attempt++
	delay := time.Duration(b.attempt) * b.Base
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

func (b *linearBackOff) Attempt() int {
	return b.attempt
}
