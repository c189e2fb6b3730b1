package retry

import (
	"strings"
	"time"

	"github.com/AmeliaRose802/overseer/log"
)

// storeExtension is the file extension of the tracker's persisted store.
// Lock-contention errors are only treated as transient when they mention it.
const storeExtension = ".db"

// IsTransient classifies an error as retryable. The match is deliberately
// narrow: the message must mention both a lock and the store's file
// extension. Anything unrecognized is a hard failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, storeExtension) {
		return false
	}
	return strings.Contains(msg, "locked") || strings.Contains(msg, "lock held") ||
		strings.Contains(msg, "resource busy")
}

// Backoff controls retry pacing for transient store failures.
type Backoff struct {
	// BaseDelay is the wait before the first retry; it doubles per attempt.
	BaseDelay time.Duration
	// MaxAttempts bounds total attempts, including the first.
	MaxAttempts int
	// sleep is overridable in tests.
	sleep func(time.Duration)
}

// NewBackoff returns a Backoff with the given pacing. Zero values fall back
// to 500ms base delay and 5 attempts.
func NewBackoff(base time.Duration, maxAttempts int) *Backoff {
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Backoff{BaseDelay: base, MaxAttempts: maxAttempts, sleep: time.Sleep}
}

// Delay returns the wait before retry number attempt (1-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := b.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Do runs op, retrying with exponentially increasing delays while op fails
// transiently. Non-transient errors surface immediately with no retry. If
// every attempt fails, the last error is returned.
func (b *Backoff) Do(what string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= b.MaxAttempts; attempt++ {
		err := op()
		if err == nil {
			if attempt > 1 {
				log.InfoLog.Printf("%s succeeded after %d attempts", what, attempt)
			}
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt < b.MaxAttempts {
			delay := b.Delay(attempt)
			log.WarningLog.Printf("%s failed transiently (attempt %d/%d), retrying in %s: %v",
				what, attempt, b.MaxAttempts, delay, err)
			b.sleep(delay)
		}
	}
	return lastErr
}
