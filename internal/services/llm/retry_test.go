package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

func fastPolicy(maxRetries int) RetryPolicy {
	return NewRetryPolicy(&common.TranslateConfig{
		MaxRetries:    maxRetries,
		InitialDelayS: 0.001,
		MaxDelayS:     0.01,
		Base:          2,
	})
}

func TestRetryPolicyDefaults(t *testing.T) {
	policy := NewRetryPolicy(&common.TranslateConfig{})

	assert.Equal(t, 3, policy.MaxRetries)
	delay := policy.Delay(0)
	assert.GreaterOrEqual(t, delay, 1*time.Second)
	assert.LessOrEqual(t, delay, 2*time.Second)
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	policy := NewRetryPolicy(&common.TranslateConfig{
		MaxRetries:    3,
		InitialDelayS: 2,
		MaxDelayS:     60,
		Base:          2,
	})

	for attempt := 0; attempt < 20; attempt++ {
		assert.LessOrEqual(t, policy.Delay(attempt), 60*time.Second)
	}
}

func TestRetryPolicySucceedsAfterTransientFaults(t *testing.T) {
	policy := fastPolicy(3)
	calls := 0
	err := policy.Do(context.Background(), common.GetLogger(), "chunk 3", func(ctx context.Context) error {
		calls++
		if calls <= 2 {
			return models.NewTransientError("upstream 503", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicySemanticMismatchSharesBudget(t *testing.T) {
	policy := fastPolicy(2)
	calls := 0
	err := policy.Do(context.Background(), common.GetLogger(), "chunk 1", func(ctx context.Context) error {
		calls++
		return models.NewSemanticError("expected 10 translated segments, got 9")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Equal(t, models.ErrKindSemantic, models.KindOf(err))
}

func TestRetryPolicyPermanentFailsFast(t *testing.T) {
	policy := fastPolicy(3)
	calls := 0
	err := policy.Do(context.Background(), common.GetLogger(), "chunk 1", func(ctx context.Context) error {
		calls++
		return models.NewPermanentError("invalid api key", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrKindPermanent, models.KindOf(err))
}

func TestRetryPolicyExhaustionReturnsLastError(t *testing.T) {
	policy := fastPolicy(2)
	calls := 0
	last := models.NewTransientError("still down", nil)
	err := policy.Do(context.Background(), common.GetLogger(), "chunk 7", func(ctx context.Context) error {
		calls++
		return last
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Same(t, last, err.(*models.PipelineError))
}

func TestRetryPolicyHonorsCancellation(t *testing.T) {
	policy := NewRetryPolicy(&common.TranslateConfig{
		MaxRetries:    5,
		InitialDelayS: 10,
		MaxDelayS:     60,
		Base:          2,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, common.GetLogger(), "chunk 1", func(ctx context.Context) error {
		return models.NewTransientError("broker gone", nil)
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
