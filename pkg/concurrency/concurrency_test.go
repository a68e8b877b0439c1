package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsHolders(t *testing.T) {
	l := NewLimiter(2)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		peak    int
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), func() error {
				mu.Lock()
				running++
				peak = max(peak, running)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	stats := l.Stats()
	assert.Equal(t, int64(8), stats.Acquired)
	assert.Equal(t, int64(8), stats.Released)
	assert.LessOrEqual(t, stats.Peak, int64(2))
	assert.Zero(t, l.Active())
}

func TestLimiter_AcquireHonoursContext(t *testing.T) {
	l := NewLimiter(1)
	require.NoError(t, l.Acquire(context.Background()))
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Acquire(ctx), context.DeadlineExceeded)
}

func TestLimiter_DefaultsToOne(t *testing.T) {
	assert.Equal(t, 1, NewLimiter(0).Capacity())
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, time.Second)
	cb.now = func() time.Time { return now }
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Do(ok), ErrCircuitOpen)

	now = now.Add(time.Second)
	require.NoError(t, cb.Do(ok))
	assert.Equal(t, StateHalfOpen, cb.State())

	// a failure while probing reopens immediately
	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	now = now.Add(time.Second)
	for range halfOpenSuccesses {
		require.NoError(t, cb.Do(ok))
	}
	assert.Equal(t, StateClosed, cb.State())

	cb.RecordFailure()
	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("CONDUIT_MAX_CONCURRENT", "3")
	t.Setenv("CONDUIT_PIPELINE_INSTANCES", "8")
	cfg := LoadConfig()
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.Equal(t, 3, cfg.Instances)
	assert.Equal(t, ConfigSourceEnvVar, cfg.Source)
	assert.Contains(t, cfg.String(), "MaxConcurrent: 3")
}

func TestLoadConfig_AutoDetect(t *testing.T) {
	t.Setenv("CONDUIT_MAX_CONCURRENT", "")
	t.Setenv("CONDUIT_CONCURRENCY_MULTIPLIER", "")
	t.Setenv("CONDUIT_PIPELINE_INSTANCES", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	cfg := LoadConfig()
	assert.True(t, cfg.IsKubernetes)
	assert.Equal(t, cfg.EffectiveCPUs*2, cfg.MaxConcurrent)
	assert.Equal(t, ConfigSourceAutoDetect, cfg.Source)
}
