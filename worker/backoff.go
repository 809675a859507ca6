package worker

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before the next attempt of an op that has
// already failed attempts times.
type Backoff interface {
	Next(attempts int) time.Duration
}

// Exponential grows the delay by Multiplier per attempt, capped at Max.
// Jitter in [0, 1] randomly shortens each delay by up to that fraction.
type Exponential struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64

	// Rand returns a value in [0, 1). Nil uses math/rand.
	Rand func() float64
}

// DefaultBackoff starts at one second and caps at five minutes.
func DefaultBackoff() Exponential {
	return Exponential{
		Initial:    time.Second,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

func (e Exponential) Next(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	mult := e.Multiplier
	if mult < 1 {
		mult = 1
	}

	// initial * multiplier^(attempts-1)
	delay := float64(e.Initial) * math.Pow(mult, float64(attempts-1))
	if e.Max > 0 && (delay > float64(e.Max) || math.IsInf(delay, 0)) {
		delay = float64(e.Max)
	}

	if e.Jitter > 0 {
		j := math.Min(e.Jitter, 1)
		rnd := rand.Float64
		if e.Rand != nil {
			rnd = e.Rand
		}
		delay -= delay * j * rnd()
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// Constant always waits the same delay.
type Constant time.Duration

func (c Constant) Next(int) time.Duration { return time.Duration(c) }
