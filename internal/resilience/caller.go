package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"acp-orchestrator/pkg/models"
)

// Outcome classifies the result of a wrapped call.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
	OutcomeCircuitOpen      Outcome = "circuit_open"
)

// CallOutcome is the uniform result of a wrapped call, including the
// per-attempt history for the audit trail.
type CallOutcome struct {
	Outcome  Outcome
	Err      error
	Attempts []models.StepAttempt
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// Config tunes retry and circuit-breaker behavior.
type Config struct {
	MaxAttempts      int
	BackoffMin       time.Duration
	BackoffMax       time.Duration
	BackoffFactor    float64
	CallTimeout      time.Duration
	FailureThreshold int
	Cooldown         time.Duration
	CooldownMax      time.Duration
}

// Caller wraps outbound calls with retry-with-backoff and one circuit
// breaker per dependency key.
type Caller struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	breakers map[string]*Breaker

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	retries metric.Int64Counter
	opens   metric.Int64Counter
}

// NewCaller creates a Caller. Zero config fields get the documented
// defaults (3 attempts, 1s..60s backoff at factor 2, 30s call timeout,
// breaker threshold 5, 30s cooldown capped at 5m).
func NewCaller(cfg Config, logger Logger) *Caller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 60 * time.Second
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.CooldownMax <= 0 {
		cfg.CooldownMax = 5 * time.Minute
	}

	meter := otel.Meter("acp-orchestrator/resilience")
	retries, _ := meter.Int64Counter("resilience.retry_attempts")
	opens, _ := meter.Int64Counter("resilience.circuit_open_rejections")

	return &Caller{
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*Breaker),
		now:      time.Now,
		sleep:    sleepCtx,
		retries:  retries,
		opens:    opens,
	}
}

// WithClock replaces the clock and disables real sleeping. Tests only.
func (c *Caller) WithClock(now func() time.Time) *Caller {
	c.now = now
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

// Breaker returns the breaker for a dependency key, creating it on first
// use.
func (c *Caller) Breaker(dep string) *Breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[dep]
	if !ok {
		br = NewBreaker(dep, c.cfg.FailureThreshold, c.cfg.Cooldown, c.cfg.CooldownMax).WithClock(c.now)
		c.breakers[dep] = br
	}
	return br
}

// Call invokes fn under the dependency's breaker with up to MaxAttempts
// attempts. Each attempt runs under the per-call timeout. Transient
// errors are retried with exponential backoff and jitter; fatal errors
// and open circuits return immediately. An open circuit does not consume
// a retry attempt.
func (c *Caller) Call(ctx context.Context, dep string, fn func(ctx context.Context) error) CallOutcome {
	return c.CallN(ctx, dep, c.cfg.MaxAttempts, fn)
}

// CallN is Call with an explicit attempt budget. DLQ replays use it to
// resume from a stored attempt history instead of a fresh budget. A
// non-positive budget falls back to the configured MaxAttempts.
func (c *Caller) CallN(ctx context.Context, dep string, maxAttempts int, fn func(ctx context.Context) error) CallOutcome {
	if maxAttempts <= 0 {
		maxAttempts = c.cfg.MaxAttempts
	}
	br := c.Breaker(dep)

	var attempts []models.StepAttempt
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := br.Allow(); err != nil {
			c.opens.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", dep)))
			return CallOutcome{
				Outcome:  OutcomeCircuitOpen,
				Err:      fmt.Errorf("%s: %w", dep, err),
				Attempts: attempts,
			}
		}

		started := c.now()
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		err := fn(cctx)
		cancel()
		elapsed := c.now().Sub(started)

		if err == nil {
			br.RecordSuccess()
			attempts = append(attempts, models.StepAttempt{
				Attempt: attempt, StartedAt: started, Duration: elapsed,
				Outcome: string(OutcomeSuccess),
			})
			return CallOutcome{Outcome: OutcomeSuccess, Attempts: attempts}
		}

		if IsFatal(err) {
			// The dependency answered; the answer was unusable. That is
			// not a dependency-health signal, so the breaker resets.
			br.RecordSuccess()
			attempts = append(attempts, models.StepAttempt{
				Attempt: attempt, StartedAt: started, Duration: elapsed,
				Outcome: string(OutcomeFatalFailure), Error: err.Error(),
			})
			return CallOutcome{Outcome: OutcomeFatalFailure, Err: err, Attempts: attempts}
		}

		br.RecordFailure()
		lastErr = err
		attempts = append(attempts, models.StepAttempt{
			Attempt: attempt, StartedAt: started, Duration: elapsed,
			Outcome: string(OutcomeTransientFailure), Error: err.Error(),
		})

		if attempt < maxAttempts {
			c.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", dep)))
			c.logger.Warn("transient failure on %s (attempt %d/%d): %v", dep, attempt, maxAttempts, err)
			if serr := c.sleep(ctx, c.backoff(attempt)); serr != nil {
				return CallOutcome{Outcome: OutcomeTransientFailure, Err: serr, Attempts: attempts}
			}
		}
	}

	return CallOutcome{
		Outcome:  OutcomeTransientFailure,
		Err:      fmt.Errorf("%s: retry budget exhausted: %w", dep, lastErr),
		Attempts: attempts,
	}
}

// backoff computes the delay before the next attempt: exponential in the
// attempt number, capped, with 10% jitter.
func (c *Caller) backoff(attempt int) time.Duration {
	d := float64(c.cfg.BackoffMin)
	for i := 1; i < attempt; i++ {
		d *= c.cfg.BackoffFactor
	}
	if d > float64(c.cfg.BackoffMax) {
		d = float64(c.cfg.BackoffMax)
	}
	jitter := d * 0.1 * (2*rand.Float64() - 1)
	d += jitter
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
