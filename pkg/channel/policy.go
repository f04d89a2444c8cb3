package channel

import (
	"math/rand"
	"time"
)

// ReconnectPolicy decides whether and when to dial again after the channel dropped. attempt starts at 1 and is
// reset after every successful connection.
type ReconnectPolicy interface {
	Next(attempt int) (time.Duration, bool)
}

// NoReconnect leaves the channel Disconnected after the first failure.
type NoReconnect struct{}

func (NoReconnect) Next(int) (time.Duration, bool) {
	return 0, false
}

// Backoff doubles the delay from Min up to Max. Jitter in [0,1] removes up to that fraction of each delay at
// random. MaxAttempts of zero retries forever.
type Backoff struct {
	Min         time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int
}

const (
	MinRetryPeriod = 500 * time.Millisecond
	MaxRetryPeriod = time.Minute
)

func DefaultBackoff() Backoff {
	return Backoff{Min: MinRetryPeriod, Max: MaxRetryPeriod, Jitter: 0.2}
}

func (b Backoff) Next(attempt int) (time.Duration, bool) {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return 0, false
	}
	lo, hi := b.Min, b.Max
	if lo <= 0 {
		lo = MinRetryPeriod
	}
	if hi < lo {
		hi = lo
	}

	d := lo
	for i := 1; i < attempt && d < hi; i++ {
		d *= 2
	}
	d = min(d, hi)

	if b.Jitter > 0 {
		j := min(b.Jitter, 1)
		d -= time.Duration(rand.Float64() * j * float64(d))
	}
	return d, true
}
