package codeshare

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnector schedules reconnect attempts after unclean closes.
// Delays follow min(base*2^n, max) without jitter, and at most one timer is
// pending at a time.
type reconnector struct {
	mu          sync.Mutex
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	bo          *backoff.ExponentialBackOff
	timer       *time.Timer
}

func newReconnector(config *RealtimeConfig) *reconnector {
	r := &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
	r.bo = r.newBackOff()
	return r
}

func (r *reconnector) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.baseDelay
	bo.MaxInterval = r.maxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// shouldReconnect reports whether the retry budget still allows an attempt.
func (r *reconnector) shouldReconnect() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt < r.maxAttempts
}

// nextDelay returns the delay for the current attempt and advances the
// counter. ok is false once the budget is exhausted.
func (r *reconnector) nextDelay() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextDelayLocked()
}

func (r *reconnector) nextDelayLocked() (time.Duration, bool) {
	if r.attempt >= r.maxAttempts {
		return 0, false
	}
	delay := r.bo.NextBackOff()
	r.attempt++
	return delay, true
}

// schedule arms a single-shot timer running fn after the next delay,
// replacing any timer that is still pending.
func (r *reconnector) schedule(fn func()) (attempt int, delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked()
	delay, ok = r.nextDelayLocked()
	if !ok {
		return r.attempt, 0, false
	}
	r.timer = time.AfterFunc(delay, fn)
	return r.attempt, delay, true
}

// cancel stops the pending timer, if any.
func (r *reconnector) cancel() {
	r.mu.Lock()
	r.stopLocked()
	r.mu.Unlock()
}

func (r *reconnector) stopLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// reset zeroes the attempt counter after a successful open.
func (r *reconnector) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = 0
	r.bo.Reset()
}

func (r *reconnector) attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}
