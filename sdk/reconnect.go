package loqui

import (
	"sync"
	"time"
)

// ReconnectPolicy controls automatic recovery from transient connection
// failures.
type ReconnectPolicy struct {
	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration
	// MaxAttempts is the number of consecutive failures tolerated before the
	// session settles to StatusFailed. Default: 5.
	MaxAttempts int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// Delay returns the backoff before attempt n (0-based): min(base*2^n, max).
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// reconnector schedules reconnection attempts with exponential backoff. A
// latched fatal condition suppresses it entirely until reset.
type reconnector struct {
	policy    ReconnectPolicy
	onAttempt func(attempt int)

	mu         sync.Mutex
	attempts   int
	timer      *time.Timer
	suppressed bool
}

func newReconnector(policy ReconnectPolicy, onAttempt func(attempt int)) *reconnector {
	return &reconnector{policy: policy.withDefaults(), onAttempt: onAttempt}
}

// schedule arms the next attempt. Returns false when attempts are exhausted
// or the supervisor is suppressed; the caller settles to a terminal state.
func (r *reconnector) schedule() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.suppressed {
		return false
	}
	if r.attempts >= r.policy.MaxAttempts {
		return false
	}
	attempt := r.attempts
	r.attempts++

	r.stopTimerLocked()
	r.timer = time.AfterFunc(r.policy.Delay(attempt), func() {
		r.mu.Lock()
		suppressed := r.suppressed
		r.mu.Unlock()
		if suppressed {
			return
		}
		if r.onAttempt != nil {
			r.onAttempt(attempt)
		}
	})
	return true
}

// reset zeroes the consecutive-failure counter. Called on every successful
// transition to ready.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
}

// suppress permanently halts scheduling (fatal latch) until allow is called,
// cancelling any pending attempt.
func (r *reconnector) suppress() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = true
	r.stopTimerLocked()
}

// allow clears suppression after an explicit reset.
func (r *reconnector) allow() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed = false
	r.attempts = 0
}

// stop cancels any pending attempt without suppressing future scheduling.
func (r *reconnector) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
}

func (r *reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
