package infra

import (
	"math/rand/v2"
	"sync"
	"time"
)

// Backoff is a jittered exponential delay used for reconnecting to brokers and databases
type Backoff struct {
	minDelay   time.Duration
	maxDelay   time.Duration
	multiplier float64
	current    time.Duration
	attempts   int
	mu         sync.Mutex
}

func NewBackoff(min, max time.Duration, mult float64) *Backoff {
	return &Backoff{
		minDelay:   min,
		maxDelay:   max,
		multiplier: mult,
		current:    min,
	}
}

func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.attempts++

	jitterFactor := rand.Float64()*0.4 - 0.2
	jitter := time.Duration(jitterFactor * float64(b.current))
	wait := max(b.current+jitter, b.minDelay)

	b.current = min(time.Duration(float64(b.current)*b.multiplier), b.maxDelay)

	return wait
}

func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.minDelay
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// DefaultRetrySchedule is the fixed per-record retry table of the save queue
var DefaultRetrySchedule = Schedule{
	1 * time.Second,
	2 * time.Second,
	3 * time.Second,
	5 * time.Second,
	8 * time.Second,
	10 * time.Second,
	15 * time.Second,
	20 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

// Schedule is a fixed delay table indexed by the number of attempts already made.
// Indexes past the end clamp to the last value.
type Schedule []time.Duration

func (s Schedule) Delay(attempts int) time.Duration {
	if len(s) == 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(s) {
		return s[len(s)-1]
	}
	return s[attempts]
}

// Remaining returns how long to wait before the next attempt, given when the last one started
func (s Schedule) Remaining(attempts int, lastAttempt, now time.Time) time.Duration {
	if lastAttempt.IsZero() {
		return 0
	}
	wait := s.Delay(attempts) - now.Sub(lastAttempt)
	if wait < 0 {
		return 0
	}
	return wait
}
