// Package backoff provides the retry policy used by the dispatcher for
// calls to external collaborators. The policy is a plain value so retry
// behavior can be tested independently of any worker loop.
package backoff

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Policy describes bounded exponential backoff.
//
// MaxAttempts counts the first try: MaxAttempts=3 means one call plus two
// retries. Jitter is a fraction (0.2 = +-20%) applied to each delay.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64
}

// Default mirrors the retry posture for flaky pipeline calls: three
// attempts, half-second base, exponential growth capped at 15s.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Base:        500 * time.Millisecond,
		Multiplier:  2,
		MaxDelay:    15 * time.Second,
		Jitter:      0.2,
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Base <= 0 {
		p.Base = 500 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 15 * time.Second
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0.2
	}
	return p
}

// Delay returns how long to wait before the given retry. attempt is the
// 1-based attempt that just failed, so Delay(1) precedes the second try.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d *= 1 + (randFloat64()*2-1)*p.Jitter
	}
	if d < 0 {
		return 0
	}
	if d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Permanent marks err as not retryable. Retry drivers stop immediately and
// surface the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err (or anything it wraps) was marked with
// Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat64() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
