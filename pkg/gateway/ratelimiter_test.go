package gateway

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRateLimiter_Defaults(t *testing.T) {
	l := NewClientRateLimiter(0, -1)
	assert.Equal(t, DefaultRequestsPerMinute, l.perMinute)
	assert.Equal(t, DefaultMaxConcurrent, l.maxConcurrent)
}

func TestClientRateLimiter_ConcurrentLimit(t *testing.T) {
	l := NewClientRateLimiter(100, 2)

	require.Nil(t, l.Acquire())
	require.Nil(t, l.Acquire())

	rpcErr := l.Acquire()
	require.NotNil(t, rpcErr)
	assert.Equal(t, TooManyConcurrent, rpcErr.Code)

	l.Release()
	assert.Nil(t, l.Acquire())

	recent, inFlight := l.Stats()
	assert.Equal(t, 3, recent)
	assert.Equal(t, 2, inFlight)
}

func TestClientRateLimiter_WindowSlides(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l := NewClientRateLimiter(3, 10)
	l.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		require.Nil(t, l.Acquire())
		l.Release()
	}
	rpcErr := l.Acquire()
	require.NotNil(t, rpcErr)
	assert.Equal(t, RateLimitExceeded, rpcErr.Code)

	clock = clock.Add(rateWindow + time.Second)
	assert.Nil(t, l.Acquire())

	recent, _ := l.Stats()
	assert.Equal(t, 1, recent)
}

func TestClientRateLimiter_ReleaseNeverGoesNegative(t *testing.T) {
	l := NewClientRateLimiter(10, 1)
	l.Release()
	l.Release()

	require.Nil(t, l.Acquire())
	assert.NotNil(t, l.Acquire())
}

func TestClientRateLimiter_SetLimits(t *testing.T) {
	l := NewClientRateLimiter(10, 1)
	require.Nil(t, l.Acquire())
	require.NotNil(t, l.Acquire())

	l.SetLimits(10, 2)
	assert.Nil(t, l.Acquire())

	l.SetLimits(0, 0)
	assert.Equal(t, DefaultRequestsPerMinute, l.perMinute)
	assert.Equal(t, DefaultMaxConcurrent, l.maxConcurrent)
}

func TestClientRateLimiter_ParallelAcquire(t *testing.T) {
	l := NewClientRateLimiter(1000, 5)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Acquire() == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, admitted)
	_, inFlight := l.Stats()
	assert.Equal(t, 5, inFlight)
}
