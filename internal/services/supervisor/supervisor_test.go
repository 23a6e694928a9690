package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
)

func testSupervisor() *Supervisor {
	cfg := common.NewDefaultConfig()
	return NewSupervisor(&cfg.Supervisor, common.GetLogger())
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{Initial: 2 * time.Second, Max: 60 * time.Second, Base: 2}

	assert.Equal(t, 2*time.Second, b.Delay(0))
	assert.Equal(t, 4*time.Second, b.Delay(1))
	assert.Equal(t, 8*time.Second, b.Delay(2))
	assert.Equal(t, 60*time.Second, b.Delay(10))
}

func TestBackoffJitterStaysBounded(t *testing.T) {
	b := Backoff{Initial: 8 * time.Second, Max: 60 * time.Second, Base: 2, Jitter: true}
	for i := 0; i < 50; i++ {
		d := b.Delay(0)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestMonitorCachesProbeResults(t *testing.T) {
	var probes int32
	m := NewMonitor("store", time.Minute, func(ctx context.Context) error {
		atomic.AddInt32(&probes, 1)
		return nil
	}, common.GetLogger())

	ctx := context.Background()
	assert.True(t, m.Healthy(ctx))
	assert.True(t, m.Healthy(ctx))
	assert.True(t, m.Healthy(ctx))
	assert.Equal(t, int32(1), atomic.LoadInt32(&probes))

	// Forcing a probe bypasses the cache.
	require.NoError(t, m.Probe(ctx))
	assert.Equal(t, int32(2), atomic.LoadInt32(&probes))
}

func TestMonitorReportsFailures(t *testing.T) {
	failing := errors.New("connection refused")
	var healthy atomic.Bool

	m := NewMonitor("bus", time.Nanosecond, func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return failing
	}, common.GetLogger())

	ctx := context.Background()
	assert.False(t, m.Healthy(ctx))
	assert.ErrorIs(t, m.Check(ctx), failing)

	healthy.Store(true)
	time.Sleep(time.Millisecond)
	assert.True(t, m.Healthy(ctx))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var calls int
	b := Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond, Base: 2}

	err := Retry(context.Background(), common.GetLogger(), "publish", b, 5, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("broker unavailable")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	var calls int
	b := Backoff{Initial: time.Millisecond, Max: 2 * time.Millisecond, Base: 2}

	err := Retry(context.Background(), common.GetLogger(), "publish", b, 3, func(ctx context.Context) error {
		calls++
		return errors.New("still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := Backoff{Initial: time.Second, Max: time.Second, Base: 2}
	err := Retry(ctx, common.GetLogger(), "connect", b, 5, func(ctx context.Context) error {
		return errors.New("down")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestSupervisorAggregatesHealth(t *testing.T) {
	s := testSupervisor()
	ctx := context.Background()

	s.Register("store", func(ctx context.Context) error { return nil })
	busErr := errors.New("bus down")
	s.Register("bus", func(ctx context.Context) error { return busErr })

	health := s.Health(ctx)
	assert.NoError(t, health["store"])
	assert.ErrorIs(t, health["bus"], busErr)
	assert.False(t, s.AllHealthy(ctx))
}
