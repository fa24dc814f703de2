package cluster

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultQuotaHoldoff is how long create calls stay suspended after a quota
// error that did not say when to retry
const DefaultQuotaHoldoff = time.Minute

// Throttle suspends calls to a cluster after the provider reported a rate
// limit or quota error
type Throttle struct {
	mu    sync.Mutex
	err   error
	until time.Time
	now   func() time.Time
}

// NewThrottle creates an inactive throttle
func NewThrottle() *Throttle {
	return &Throttle{now: time.Now}
}

// Check inspects err and, if it is a RateLimitError or QuotaError, suspends
// calls until the provider's retry time. It reports whether it did.
func (t *Throttle) Check(err error, logger zerolog.Logger, callType string) bool {
	var until time.Time

	var rle *RateLimitError
	var qe *QuotaError
	switch {
	case errors.As(err, &rle):
		until = rle.EarliestRetry
	case errors.As(err, &qe):
		until = t.now().Add(DefaultQuotaHoldoff)
	default:
		return false
	}

	if !until.After(t.now()) {
		return false
	}
	dur := until.Sub(t.now())
	logger.Info().
		Str("call_type", callType).
		Dur("duration", dur).
		Time("resume_at", until).
		Msg("Suspending remote calls due to rate limit")
	t.ErrorUntil(fmt.Errorf("remote calls are suspended for %s, until %s", dur.Round(time.Second), until.Format(time.RFC3339)), until)
	return true
}

// ErrorUntil makes Err return err until the given time
func (t *Throttle) ErrorUntil(err error, until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err, t.until = err, until
}

// Err returns the suspension error, or nil once the holdoff has passed
func (t *Throttle) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil && t.now().After(t.until) {
		t.err = nil
	}
	return t.err
}
