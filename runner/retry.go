package runner

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryStrategy encapsulates the decision and delay between retries.
type RetryStrategy interface {
	// SleepDuration returns how long to wait before the next retry attempt.
	// The attempt index starts at 0, incrementing after each failure.
	SleepDuration(attempt int, err error) time.Duration
}

// RetryDecision is the outcome of consulting a strategy after a failure.
type RetryDecision struct {
	ShouldRetry bool
	Delay       time.Duration
	Metadata    map[string]any
}

// RetryDecider lets a strategy veto retries, not just delay them.
type RetryDecider interface {
	DecideRetry(attempt int, err error) RetryDecision
}

// DecideRetry asks a RetryDecider when available and otherwise retries
// after the strategy's sleep duration.
func DecideRetry(strategy RetryStrategy, attempt int, err error) RetryDecision {
	if decider, ok := strategy.(RetryDecider); ok {
		return decider.DecideRetry(attempt, err)
	}
	if strategy == nil {
		return RetryDecision{ShouldRetry: true}
	}
	return RetryDecision{ShouldRetry: true, Delay: strategy.SleepDuration(attempt, err)}
}

// NoDelayStrategy is a simple retry strategy that performs all retries
// immediately without waiting.
type NoDelayStrategy struct{}

// SleepDuration always returns zero, causing immediate retries.
func (n NoDelayStrategy) SleepDuration(_ int, _ error) time.Duration {
	return 0
}

// ExponentialBackoffStrategy implements a backoff strategy.
// Usage example:
//
//	ExponentialBackoffStrategy{
//	    Base:   100 * time.Millisecond,
//	    Factor: 2,
//	    Max:    5 * time.Second,
//	}
type ExponentialBackoffStrategy struct {
	// Base is the starting delay (e.g., 100ms)
	Base time.Duration
	// Factor is multiplied each iteration (e.g., 2 => 100ms, 200ms, 400ms, ...)
	Factor float64
	// Max is the maximum delay allowed (caps the exponential growth)
	Max time.Duration
}

// SleepDuration implements an exponential backoff with a cap at Max.
func (e ExponentialBackoffStrategy) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Base) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 1)) {
		return e.Max
	}
	return time.Duration(delay)
}

// JitterBackoffStrategy spreads an exponential delay uniformly over
// [delay*(1-Jitter), delay] so contending writers do not retry in lockstep.
type JitterBackoffStrategy struct {
	ExponentialBackoffStrategy
	// Jitter is the fraction of the delay that may be shaved off, in [0, 1].
	Jitter float64
	// Rand returns a float in [0, 1); defaults to math/rand/v2.
	Rand func() float64
}

func (j JitterBackoffStrategy) SleepDuration(attempt int, err error) time.Duration {
	delay := j.ExponentialBackoffStrategy.SleepDuration(attempt, err)
	jitter := j.Jitter
	if jitter <= 0 || delay <= 0 {
		return delay
	}
	if jitter > 1 {
		jitter = 1
	}
	rnd := j.Rand
	if rnd == nil {
		rnd = rand.Float64
	}
	cut := float64(delay) * jitter * rnd()
	return delay - time.Duration(cut)
}
