package resilience

import (
	"sync"
	"time"
)

// BreakerState is the state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker is a circuit breaker for one dependency key. All mutations go
// through a single mutex; the critical sections only touch counters and
// the state enum.
type Breaker struct {
	mu sync.Mutex

	name        string
	threshold   int
	cooldown    time.Duration
	maxCooldown time.Duration

	state        BreakerState
	consecutive  int
	curCooldown  time.Duration
	openedAt     time.Time
	nextProbeAt  time.Time
	probeRunning bool

	now func() time.Time
}

// NewBreaker creates a closed breaker. After threshold consecutive
// transient failures it opens for cooldown; each failed half-open probe
// doubles the cooldown up to maxCooldown.
func NewBreaker(name string, threshold int, cooldown, maxCooldown time.Duration) *Breaker {
	return &Breaker{
		name:        name,
		threshold:   threshold,
		cooldown:    cooldown,
		maxCooldown: maxCooldown,
		curCooldown: cooldown,
		state:       BreakerClosed,
		now:         time.Now,
	}
}

// WithClock replaces the breaker's clock. Tests use this to drive the
// cooldown without sleeping.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.now = now
	return b
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow decides whether a call may proceed. It returns ErrCircuitOpen
// when the call must fail fast. When the cooldown has elapsed exactly one
// caller is admitted as the half-open probe; concurrent callers keep
// failing fast until the probe resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if !b.now().Before(b.nextProbeAt) {
			b.state = BreakerHalfOpen
			b.probeRunning = true
			return nil
		}
		return ErrCircuitOpen
	case BreakerHalfOpen:
		if !b.probeRunning {
			b.probeRunning = true
			return nil
		}
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess resets the failure counter and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive = 0
	b.probeRunning = false
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.curCooldown = b.cooldown
	}
}

// RecordFailure counts a transient failure. At the threshold the breaker
// opens; a failed probe re-opens it with the cooldown doubled up to the
// cap.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if b.state == BreakerHalfOpen {
		b.probeRunning = false
		b.curCooldown *= 2
		if b.curCooldown > b.maxCooldown {
			b.curCooldown = b.maxCooldown
		}
		b.state = BreakerOpen
		b.openedAt = now
		b.nextProbeAt = now.Add(b.curCooldown)
		return
	}

	b.consecutive++
	if b.state == BreakerClosed && b.consecutive >= b.threshold {
		b.state = BreakerOpen
		b.openedAt = now
		b.nextProbeAt = now.Add(b.curCooldown)
	}
}
