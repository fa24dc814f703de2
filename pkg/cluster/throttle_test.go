package cluster

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestThrottle(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	assert.False(t, th.Check(errors.New("boom"), zerolog.Nop(), "create"))
	assert.NoError(t, th.Err())

	rle := &RateLimitError{Err: errors.New("slow down"), EarliestRetry: now.Add(30 * time.Second)}
	assert.True(t, th.Check(NewCreateError("alpha", CreateFailed, rle), zerolog.Nop(), "create"))
	assert.Error(t, th.Err())

	now = now.Add(31 * time.Second)
	assert.NoError(t, th.Err())
}

func TestThrottleQuota(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	assert.True(t, th.Check(&QuotaError{Err: errors.New("instance limit")}, zerolog.Nop(), "create"))
	now = now.Add(DefaultQuotaHoldoff / 2)
	assert.Error(t, th.Err())
	now = now.Add(DefaultQuotaHoldoff)
	assert.NoError(t, th.Err())
}

func TestThrottleIgnoresPastRetry(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	th := NewThrottle()
	th.now = func() time.Time { return now }

	rle := &RateLimitError{Err: errors.New("slow down"), EarliestRetry: now.Add(-time.Second)}
	assert.False(t, th.Check(rle, zerolog.Nop(), "create"))
	assert.NoError(t, th.Err())
}
