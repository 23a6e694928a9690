package llm

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

// RetryPolicy governs repeated gateway calls for a single chunk. Transient
// infrastructure faults and semantic response mismatches share one retry
// budget; permanent client errors fail fast.
type RetryPolicy struct {
	MaxRetries int
	backoff    supervisor.Backoff
}

// NewRetryPolicy builds the policy from translation config, applying the
// documented defaults for unset values.
func NewRetryPolicy(config *common.TranslateConfig) RetryPolicy {
	maxRetries := config.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	initial := time.Duration(config.InitialDelayS * float64(time.Second))
	if initial <= 0 {
		initial = 2 * time.Second
	}
	max := time.Duration(config.MaxDelayS * float64(time.Second))
	if max <= 0 {
		max = 60 * time.Second
	}
	base := config.Base
	if base <= 1 {
		base = 2
	}
	return RetryPolicy{
		MaxRetries: maxRetries,
		backoff: supervisor.Backoff{
			Initial: initial,
			Max:     max,
			Base:    base,
			Jitter:  true,
		},
	}
}

// Delay exposes the attempt's jittered backoff for tests and logging.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	return p.backoff.Delay(attempt)
}

// Do runs op until it succeeds, fails permanently, or spends the retry
// budget. The final error is returned unwrapped so callers can classify it.
func (p RetryPolicy) Do(ctx context.Context, logger arbor.ILogger, label string, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if !models.IsRetryable(err) {
			logger.Error().
				Str("operation", label).
				Str("error_kind", string(models.KindOf(err))).
				Err(err).
				Msg("Permanent failure, not retrying")
			return err
		}
		if attempt == p.MaxRetries {
			break
		}
		delay := p.backoff.Delay(attempt)
		logger.Warn().
			Str("operation", label).
			Int("attempt", attempt+1).
			Int("max_retries", p.MaxRetries).
			Str("error_kind", string(models.KindOf(err))).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying after recoverable failure")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	logger.Error().
		Str("operation", label).
		Int("attempts", p.MaxRetries+1).
		Err(err).
		Msg("Retry budget exhausted")
	return err
}
