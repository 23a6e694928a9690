// Package downloader implements the download worker: it consumes download
// tasks, walks the provider registry for the desired language, and falls
// back to acquiring a translatable artifact when the desired language does
// not exist anywhere.
package downloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/supervisor"
)

const workerSource = "download-worker"

const reasonNotFound = "subtitle_not_found"

// errNotFound marks the no-candidate outcome inside the acquisition walk.
var errNotFound = errors.New("no provider has a candidate")

// Worker consumes the download queue. Provider trouble is retried per call;
// rate-limit exhaustion fails the job with its own kind, while other
// provider errors fall through to the translation fallback carrying the
// cause as a reason string.
type Worker struct {
	queues       interfaces.TaskQueue
	bus          interfaces.EventBus
	registry     interfaces.ProviderRegistry
	queueName    string
	fallbackLang string
	maxRetries   int
	backoff      supervisor.Backoff
	logger       arbor.ILogger
}

// NewWorker builds the download worker on its queue.
func NewWorker(broker *common.BrokerConfig, download *common.DownloadConfig, queues interfaces.TaskQueue, bus interfaces.EventBus, registry interfaces.ProviderRegistry, logger arbor.ILogger) *Worker {
	fallback := download.FallbackLanguage
	if fallback == "" {
		fallback = "en"
	}
	return &Worker{
		queues:       queues,
		bus:          bus,
		registry:     registry,
		queueName:    broker.DownloadQueue,
		fallbackLang: fallback,
		maxRetries:   3,
		backoff:      supervisor.Backoff{Jitter: true},
		logger:       logger,
	}
}

// Start begins consuming; the consumer stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Str("queue", w.queueName).Msg("Download worker starting")
	return w.queues.Consume(ctx, w.queueName, w.handleDelivery)
}

func (w *Worker) handleDelivery(ctx context.Context, delivery interfaces.Delivery) {
	task, err := models.DownloadTaskFromJSON(delivery.Body())
	if err != nil {
		w.logger.Error().Err(err).Msg("Discarding malformed download task")
		delivery.Nack(false)
		return
	}
	if err := task.Validate(); err != nil {
		w.logger.Error().Str("job_id", task.JobID).Err(err).Msg("Discarding invalid download task")
		w.emitFailure(ctx, task.JobID, models.NewPermanentError("invalid download task", err), "")
		delivery.Nack(false)
		return
	}

	// Pickup marker: advances job status without growing the event log.
	w.emitStarted(ctx, task.JobID)

	acquired, err := w.acquire(ctx, task, task.Language)
	if err != nil && models.KindOf(err) == models.ErrKindRateLimit {
		w.logger.Error().Str("job_id", task.JobID).Err(err).Msg("Provider rate limit exhausted")
		w.emitFailure(ctx, task.JobID, err, "")
		delivery.Nack(false)
		return
	}
	if ctx.Err() != nil {
		delivery.Nack(true)
		return
	}

	if acquired != nil {
		if pubErr := w.emitReady(ctx, task, acquired); pubErr != nil {
			w.logger.Error().Str("job_id", task.JobID).Err(pubErr).Msg("Failed to publish subtitle.ready, requeueing task")
			delivery.Nack(true)
			return
		}
		delivery.Ack()
		return
	}

	reason := reasonNotFound
	if err != nil && !errors.Is(err, errNotFound) {
		reason = fmt.Sprintf("%s: %v", reasonNotFound, err)
	}

	if !task.AutoTranslate || w.fallbackLang == task.Language {
		w.emitNotFound(ctx, task.JobID, reason)
		delivery.Ack()
		return
	}

	fallback, err := w.acquire(ctx, task, w.fallbackLang)
	if err != nil && models.KindOf(err) == models.ErrKindRateLimit {
		w.emitFailure(ctx, task.JobID, err, "")
		delivery.Nack(false)
		return
	}
	if ctx.Err() != nil {
		delivery.Nack(true)
		return
	}
	if fallback == nil {
		w.emitNotFound(ctx, task.JobID, reason)
		delivery.Ack()
		return
	}

	if pubErr := w.emitTranslateRequested(ctx, task, fallback, reason); pubErr != nil {
		w.logger.Error().Str("job_id", task.JobID).Err(pubErr).Msg("Failed to publish translate request, requeueing task")
		delivery.Nack(true)
		return
	}
	delivery.Ack()
}

// acquisition is a downloaded artifact plus where it came from.
type acquisition struct {
	Path     string
	Language string
	Provider string
	Score    float64
}

// acquire walks the providers in preference order until one yields an
// artifact in the wanted language. Rate-limit exhaustion aborts the walk;
// other provider errors are remembered and the walk continues.
func (w *Worker) acquire(ctx context.Context, task *models.DownloadTask, language string) (*acquisition, error) {
	var lastErr error

	for _, p := range w.registry.Ordered(task.PreferredSources) {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var candidates []interfaces.SubtitleCandidate
		err := w.retryCall(ctx, fmt.Sprintf("%s search", p.Name()), func(ctx context.Context) error {
			var callErr error
			candidates, callErr = p.Search(ctx, task.VideoTitle, "", language)
			return callErr
		})
		if err != nil {
			if models.KindOf(err) == models.ErrKindRateLimit {
				return nil, err
			}
			w.logger.Warn().
				Str("job_id", task.JobID).
				Str("provider", p.Name()).
				Str("language", language).
				Err(err).
				Msg("Provider search failed, trying next provider")
			lastErr = err
			continue
		}
		if len(candidates) == 0 {
			continue
		}

		best := candidates[0]
		var path string
		err = w.retryCall(ctx, fmt.Sprintf("%s download", p.Name()), func(ctx context.Context) error {
			var callErr error
			path, callErr = p.Download(ctx, best)
			return callErr
		})
		if err != nil {
			if models.KindOf(err) == models.ErrKindRateLimit {
				return nil, err
			}
			w.logger.Warn().
				Str("job_id", task.JobID).
				Str("provider", p.Name()).
				Str("candidate_id", best.ID).
				Err(err).
				Msg("Candidate download failed, trying next provider")
			lastErr = err
			continue
		}

		return &acquisition{
			Path:     path,
			Language: language,
			Provider: p.Name(),
			Score:    best.Score,
		}, nil
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errNotFound
}

// retryCall retries retryable provider faults with backoff, keeping the
// final error's kind intact for the caller's policy decisions.
func (w *Worker) retryCall(ctx context.Context, label string, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		err = op(ctx)
		if err == nil || !models.IsRetryable(err) {
			return err
		}
		if attempt == w.maxRetries {
			break
		}
		w.logger.Warn().
			Str("operation", label).
			Int("attempt", attempt+1).
			Str("error_kind", string(models.KindOf(err))).
			Err(err).
			Msg("Retrying provider call")
		if w.backoff.Sleep(ctx, attempt) != nil {
			return ctx.Err()
		}
	}
	return err
}

func (w *Worker) emitReady(ctx context.Context, task *models.DownloadTask, acquired *acquisition) error {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleReady, task.JobID, workerSource, &models.ReadyPayload{
		SubtitlePath: acquired.Path,
		Language:     acquired.Language,
		Provider:     acquired.Provider,
		Score:        acquired.Score,
	})
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, env)
}

func (w *Worker) emitTranslateRequested(ctx context.Context, task *models.DownloadTask, fallback *acquisition, reason string) error {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleTranslateRequest, task.JobID, workerSource, &models.TranslateRequestPayload{
		SubtitleFilePath: fallback.Path,
		SourceLanguage:   fallback.Language,
		TargetLanguage:   task.Language,
		Reason:           reason,
	})
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, env)
}

func (w *Worker) emitStarted(ctx context.Context, jobID string) {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleDownloadStarted, jobID, workerSource, &models.ProgressPayload{Worker: workerSource})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		// Best-effort marker; the job still completes without it.
		w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to publish download-started marker")
	}
}

func (w *Worker) emitNotFound(ctx context.Context, jobID, reason string) {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventJobFailed, jobID, workerSource, &models.FailedPayload{
		ErrorType:    string(models.ErrKindPermanent),
		ErrorMessage: "no provider has the subtitle in any usable language",
		Reason:       reason,
	})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		w.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to publish job failure event")
	}
}

func (w *Worker) emitFailure(ctx context.Context, jobID string, cause error, reason string) {
	// SafeMessage keeps filesystem paths out of the job record; the full
	// cause was already logged where it happened.
	env, err := models.NewEnvelope(common.NewEventID(), models.EventJobFailed, jobID, workerSource, &models.FailedPayload{
		ErrorType:    string(models.KindOf(cause)),
		ErrorMessage: models.SafeMessage(cause),
		Reason:       reason,
	})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		w.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to publish job failure event")
	}
}
