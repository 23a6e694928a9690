package translator

import (
	"context"
	"errors"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

const workerSource = "translation-worker"

// Worker consumes translation tasks and drives the engine, translating
// deliveries into lifecycle events. Prefetch 1 on the queue means one task
// per worker instance, which keeps checkpoint files single-owner.
type Worker struct {
	queues    interfaces.TaskQueue
	bus       interfaces.EventBus
	engine    *Engine
	queueName string
	logger    arbor.ILogger
}

// NewWorker builds the translation worker on its queue.
func NewWorker(config *common.BrokerConfig, queues interfaces.TaskQueue, bus interfaces.EventBus, engine *Engine, logger arbor.ILogger) *Worker {
	return &Worker{
		queues:    queues,
		bus:       bus,
		engine:    engine,
		queueName: config.TranslationQueue,
		logger:    logger,
	}
}

// Start begins consuming; the consumer stops when ctx is cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info().Str("queue", w.queueName).Msg("Translation worker starting")
	return w.queues.Consume(ctx, w.queueName, w.handleDelivery)
}

func (w *Worker) handleDelivery(ctx context.Context, delivery interfaces.Delivery) {
	task, err := models.TranslationTaskFromJSON(delivery.Body())
	if err != nil {
		w.logger.Error().Err(err).Msg("Discarding malformed translation task")
		delivery.Nack(false)
		return
	}
	if err := task.Validate(); err != nil {
		w.logger.Error().Str("job_id", task.JobID).Err(err).Msg("Discarding invalid translation task")
		w.emitFailure(ctx, task.JobID, models.NewPermanentError("invalid translation task", err))
		delivery.Nack(false)
		return
	}

	// Pickup marker: advances job status without growing the event log.
	w.emitStarted(ctx, task.JobID)

	result, err := w.engine.Run(ctx, task)
	if err != nil {
		// Shutdown mid-task: give the task back; the checkpoint makes the
		// redelivery cheap.
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			w.logger.Warn().Str("job_id", task.JobID).Msg("Translation interrupted by shutdown, requeueing task")
			delivery.Nack(true)
			return
		}
		w.logger.Error().
			Str("job_id", task.JobID).
			Str("error_kind", string(models.KindOf(err))).
			Err(err).
			Msg("Translation task failed")
		w.emitFailure(ctx, task.JobID, err)
		delivery.Nack(false)
		return
	}

	if err := w.emitCompletion(ctx, task, result); err != nil {
		// The artifact exists; requeue so the events eventually flow. The
		// next run resumes from the checkpoint or re-merges completed chunks.
		w.logger.Error().Str("job_id", task.JobID).Err(err).Msg("Failed to publish completion events, requeueing task")
		delivery.Nack(true)
		return
	}
	delivery.Ack()
}

// emitCompletion publishes translation.completed then subtitle.translated.
// The task is acknowledged only after both succeed.
func (w *Worker) emitCompletion(ctx context.Context, task *models.TranslationTask, result *Result) error {
	completed, err := models.NewEnvelope(common.NewEventID(), models.EventTranslationCompleted, task.JobID, workerSource, &models.CompletedPayload{
		DurationSeconds: result.Duration.Seconds(),
		SourceLanguage:  task.SourceLanguage,
		TargetLanguage:  task.TargetLanguage,
		ChunkCount:      result.ChunkCount,
		SegmentCount:    result.SegmentCount,
	})
	if err != nil {
		return err
	}
	if err := w.bus.Publish(ctx, completed); err != nil {
		return err
	}

	translated, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleTranslated, task.JobID, workerSource, &models.TranslatedPayload{
		SubtitlePath:   result.OutputPath,
		TargetLanguage: task.TargetLanguage,
	})
	if err != nil {
		return err
	}
	return w.bus.Publish(ctx, translated)
}

func (w *Worker) emitStarted(ctx context.Context, jobID string) {
	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleTranslateStarted, jobID, workerSource, &models.ProgressPayload{Worker: workerSource})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		// Best-effort marker; the job still completes without it.
		w.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to publish translate-started marker")
	}
}

func (w *Worker) emitFailure(ctx context.Context, jobID string, cause error) {
	// SafeMessage keeps filesystem paths out of the job record; the full
	// cause was already logged where it happened.
	env, err := models.NewEnvelope(common.NewEventID(), models.EventJobFailed, jobID, workerSource, &models.FailedPayload{
		ErrorType:    string(models.KindOf(cause)),
		ErrorMessage: models.SafeMessage(cause),
	})
	if err == nil {
		err = w.bus.Publish(ctx, env)
	}
	if err != nil {
		w.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to publish job failure event")
	}
}
