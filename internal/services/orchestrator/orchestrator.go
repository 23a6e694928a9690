package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/store"
)

// source is the component label stamped into envelopes the orchestrator
// publishes.
const source = "orchestrator"

// queueName is the orchestrator's own durable event queue.
const queueName = "subtitle.events.orchestrator"

// disposition tells the delivery loop how to settle a message.
type disposition int

const (
	ack disposition = iota
	nackRequeue
	nackDrop
)

// handlerFunc reconciles one decoded envelope into job-store state.
type handlerFunc func(ctx context.Context, env *models.Envelope) disposition

// Service is the single producer of task-queue messages and the single
// reconciler of job status. It consumes subtitle.* and job.* events from
// its durable queue; multiple instances may run concurrently because every
// state update is idempotent on event id and guarded by state-machine edges.
type Service struct {
	store        interfaces.JobStore
	dedup        interfaces.DedupService
	bus          interfaces.EventBus
	tasks        interfaces.TaskQueue
	logger       arbor.ILogger
	downloadQ    string
	translationQ string
	completedTTL time.Duration
	failedTTL    time.Duration

	dispatch map[models.EventType]handlerFunc
}

// NewService wires the orchestrator. Call Start to begin consuming.
func NewService(
	config *common.Config,
	jobStore interfaces.JobStore,
	dedupSvc interfaces.DedupService,
	eventBus interfaces.EventBus,
	taskQueue interfaces.TaskQueue,
	logger arbor.ILogger,
) *Service {
	s := &Service{
		store:        jobStore,
		dedup:        dedupSvc,
		bus:          eventBus,
		tasks:        taskQueue,
		logger:       logger,
		downloadQ:    config.Broker.DownloadQueue,
		translationQ: config.Broker.TranslationQueue,
		completedTTL: common.DurationOr(config.Store.CompletedTTL, 7*24*time.Hour),
		failedTTL:    common.DurationOr(config.Store.FailedTTL, 3*24*time.Hour),
	}

	// Small dispatcher table instead of reflection; unknown types are acked.
	s.dispatch = map[models.EventType]handlerFunc{
		models.EventSubtitleRequested:         s.onRequested,
		models.EventSubtitleDownloadStarted:   s.onDownloadStarted,
		models.EventSubtitleReady:             s.onReady,
		models.EventSubtitleTranslateRequest:  s.onTranslateRequested,
		models.EventSubtitleTranslateStarted:  s.onTranslateStarted,
		models.EventSubtitleTranslated:        s.onTranslated,
		models.EventTranslationCompleted:      s.onCompleted,
		models.EventJobFailed:                 s.onFailed,
		models.EventSubtitleDownloadRequested: s.onAudit,
		models.EventMediaFileDetected:         s.onAudit,
	}
	return s
}

// Start subscribes the orchestrator to its event queue.
func (s *Service) Start(ctx context.Context) error {
	return s.bus.Subscribe(ctx, queueName, []string{"subtitle.*", "subtitle.*.*", "job.*"}, s.handleDelivery)
}

// handleDelivery decodes and dispatches one delivery, then settles it.
func (s *Service) handleDelivery(ctx context.Context, d interfaces.Delivery) {
	env, err := models.EnvelopeFromJSON(d.Body())
	if err != nil {
		// Malformed bodies can never succeed on redelivery.
		s.logger.Warn().Err(err).Msg("Dropping undecodable event")
		s.settle(d, nackDrop)
		return
	}

	handler, ok := s.dispatch[env.EventType]
	if !ok {
		// Unknown types are forward-compatible: log and acknowledge.
		s.logger.Debug().
			Str("event_type", string(env.EventType)).
			Str("job_id", env.JobID).
			Msg("Ignoring unknown event type")
		s.settle(d, ack)
		return
	}

	s.settle(d, handler(ctx, env))
}

func (s *Service) settle(d interfaces.Delivery, disp disposition) {
	var err error
	switch disp {
	case ack:
		err = d.Ack()
	case nackRequeue:
		err = d.Nack(true)
	case nackDrop:
		err = d.Nack(false)
	}
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to settle delivery")
	}
}

// markApplied runs the idempotency guard. It reports whether this event id
// is seen for the first time; redeliveries still flow through the handlers
// (every transition is an idempotent no-op the second time) but fresh=false
// suppresses duplicate log appends and metadata writes.
func (s *Service) markApplied(ctx context.Context, env *models.Envelope) (bool, error) {
	if env.EventID == "" {
		return true, nil
	}
	return s.store.MarkEventApplied(ctx, env.JobID, env.EventID)
}

// appendEvent mirrors the envelope into the job's event log.
func (s *Service) appendEvent(ctx context.Context, jobID string, env *models.Envelope) {
	if err := s.store.AppendEvent(ctx, jobID, env.Record()); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to append event to job log")
	}
}

// onRequested handles the canonical ingress request: dedup, upsert the job
// as download_queued, enqueue the download task, record the event.
func (s *Service) onRequested(ctx context.Context, env *models.Envelope) disposition {
	var payload models.RequestedPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed subtitle.requested")
		return nackDrop
	}

	// Defense-in-depth: ingress already checked, but a scanner may bypass.
	isDup, existingID, err := s.dedup.CheckAndRegister(ctx, payload.VideoURL, payload.Language, env.JobID)
	if err == nil && isDup && existingID != env.JobID {
		s.logger.Info().
			Str("job_id", env.JobID).
			Str("existing_job_id", existingID).
			Msg("Duplicate request reached orchestrator (scanner bypassed), honoring existing job")
		return ack
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		// Bus-only ingress path: the adapter published without persisting.
		job = models.NewJob(env.JobID, payload.VideoURL, payload.VideoTitle, payload.Language)
	} else if err != nil {
		return nackRequeue
	}

	for k, v := range payload.Metadata {
		job.SetMetadata(k, v)
	}
	advanced := job.Transition(models.JobStatusDownloadQueued)
	if !advanced && !fresh {
		// Fully processed on a previous delivery.
		return ack
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nackRequeue
	}
	if !advanced {
		// Status already ahead (concurrent instance won); record and stop.
		s.appendEvent(ctx, job.ID, env)
		return ack
	}

	task := &models.DownloadTask{
		JobID:         job.ID,
		VideoURL:      job.VideoURL,
		VideoTitle:    job.VideoTitle,
		Language:      job.Language,
		AutoTranslate: payload.Metadata["auto_translate"] != "false",
	}
	if sources, ok := payload.Metadata["preferred_sources"]; ok && sources != "" {
		task.PreferredSources = splitSources(sources)
	}
	body, err := task.ToJSON()
	if err != nil {
		return nackDrop
	}
	if err := s.tasks.Publish(ctx, s.downloadQ, body); err != nil {
		// Publish retries are already exhausted inside the queue adapter;
		// fail the job and drop the trigger so it is not redelivered.
		s.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to enqueue download task")
		s.failJob(ctx, job, string(models.ErrKindTransient), "internal error: could not enqueue download task")
		return nackDrop
	}

	if audit, auditErr := models.NewEnvelope(common.NewEventID(), models.EventSubtitleDownloadRequested, job.ID, source, nil); auditErr == nil {
		if err := s.bus.Publish(ctx, audit); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Audit event publish failed")
		}
	}

	s.appendEvent(ctx, job.ID, env)

	s.logger.Info().
		Str("job_id", job.ID).
		Str("video_title", job.VideoTitle).
		Str("language", job.Language).
		Msg("Download task enqueued")
	return ack
}

// onDownloadStarted advances to download_in_progress. Progress markers are
// transient and never appended to the job event log.
func (s *Service) onDownloadStarted(ctx context.Context, env *models.Envelope) disposition {
	return s.advance(ctx, env, models.JobStatusDownloadInProgress)
}

// onTranslateStarted advances to translate_in_progress.
func (s *Service) onTranslateStarted(ctx context.Context, env *models.Envelope) disposition {
	return s.advance(ctx, env, models.JobStatusTranslateInProgress)
}

func (s *Service) advance(ctx context.Context, env *models.Envelope, next models.JobStatus) disposition {
	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Str("event_type", string(env.EventType)).Msg("Progress event for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	if !job.Transition(next) {
		// Late or out-of-order progress marker; state is already ahead.
		return ack
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return nackRequeue
	}
	return ack
}

// onReady completes the job with the desired-language artifact.
func (s *Service) onReady(ctx context.Context, env *models.Envelope) disposition {
	var payload models.ReadyPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed subtitle.ready")
		return nackDrop
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Msg("subtitle.ready for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	// A direct download may skip the started marker; walk through the
	// intermediate state so the edge set holds.
	job.Transition(models.JobStatusDownloadInProgress)
	if job.Transition(models.JobStatusDone) {
		job.SubtitlePath = payload.SubtitlePath
		job.ResultURL = payload.ResultURL
		if payload.Provider != "" {
			job.SetMetadata("provider", payload.Provider)
		}
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nackRequeue
		}
	} else if fresh {
		s.logger.Warn().
			Str("job_id", job.ID).
			Str("status", string(job.Status)).
			Msg("Late subtitle.ready recorded without status change")
	}

	if fresh {
		s.appendEvent(ctx, job.ID, env)
	}
	if job.Status == models.JobStatusDone {
		s.applyRetention(ctx, job.ID, s.completedTTL)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("language", payload.Language).
		Msg("Job completed with downloaded subtitle")
	return ack
}

// onTranslateRequested queues the translation stage for a fallback artifact.
func (s *Service) onTranslateRequested(ctx context.Context, env *models.Envelope) disposition {
	var payload models.TranslateRequestPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed subtitle.translate.requested")
		return nackDrop
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Msg("subtitle.translate.requested for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	job.Transition(models.JobStatusDownloadInProgress)
	advanced := job.Transition(models.JobStatusTranslateQueued)
	if advanced {
		job.TargetLanguage = payload.TargetLanguage
		if payload.Reason != "" {
			job.SetMetadata("translate_reason", payload.Reason)
		}
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nackRequeue
		}
	}

	// Only the transition that actually applied enqueues work; a duplicate
	// or late event must not produce a second translation task.
	if advanced {
		task := &models.TranslationTask{
			JobID:            job.ID,
			SubtitleFilePath: payload.SubtitleFilePath,
			SourceLanguage:   payload.SourceLanguage,
			TargetLanguage:   payload.TargetLanguage,
		}
		body, err := task.ToJSON()
		if err != nil {
			return nackDrop
		}
		if err := s.tasks.Publish(ctx, s.translationQ, body); err != nil {
			s.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to enqueue translation task")
			s.failJob(ctx, job, string(models.ErrKindTransient), "internal error: could not enqueue translation task")
			return nackDrop
		}
	}

	if fresh {
		s.appendEvent(ctx, job.ID, env)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("source_language", payload.SourceLanguage).
		Str("target_language", payload.TargetLanguage).
		Bool("queued", advanced).
		Msg("Translation requested")
	return ack
}

// onTranslated completes the job with the final translated artifact. When
// translation.completed already set done, this fills the result fields of
// that same logical completion.
func (s *Service) onTranslated(ctx context.Context, env *models.Envelope) disposition {
	var payload models.TranslatedPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed subtitle.translated")
		return nackDrop
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Msg("subtitle.translated for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	job.Transition(models.JobStatusTranslateInProgress)
	if job.Transition(models.JobStatusDone) || (job.Status == models.JobStatusDone && job.SubtitlePath == "") {
		job.SubtitlePath = payload.SubtitlePath
		job.ResultURL = payload.ResultURL
		job.TargetLanguage = payload.TargetLanguage
		job.Touch()
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nackRequeue
		}
	}

	if fresh {
		s.appendEvent(ctx, job.ID, env)
	}
	if job.Status == models.JobStatusDone {
		s.applyRetention(ctx, job.ID, s.completedTTL)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("target_language", payload.TargetLanguage).
		Msg("Job completed with translated subtitle")
	return ack
}

// onCompleted records translation timing; it may arrive before
// subtitle.translated and already completes the job.
func (s *Service) onCompleted(ctx context.Context, env *models.Envelope) disposition {
	var payload models.CompletedPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed translation.completed")
		return nackDrop
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Msg("translation.completed for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	job.Transition(models.JobStatusTranslateInProgress)
	advanced := job.Transition(models.JobStatusDone)
	if advanced || fresh {
		job.SetMetadata("duration_seconds", formatSeconds(payload.DurationSeconds))
		job.Touch()
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nackRequeue
		}
	}

	if fresh {
		s.appendEvent(ctx, job.ID, env)
	}
	if job.Status == models.JobStatusDone {
		s.applyRetention(ctx, job.ID, s.completedTTL)
	}
	return ack
}

// onFailed marks the job failed with the worker-reported kind and message.
func (s *Service) onFailed(ctx context.Context, env *models.Envelope) disposition {
	var payload models.FailedPayload
	if err := env.DecodePayload(&payload); err != nil {
		s.logger.Warn().Str("job_id", env.JobID).Err(err).Msg("Dropping malformed job.failed")
		return nackDrop
	}

	fresh, err := s.markApplied(ctx, env)
	if err != nil {
		return nackRequeue
	}

	job, err := s.store.GetJob(ctx, env.JobID)
	if errors.Is(err, store.ErrJobNotFound) {
		s.logger.Warn().Str("job_id", env.JobID).Msg("job.failed for unknown job")
		return ack
	}
	if err != nil {
		return nackRequeue
	}

	if job.Fail(payload.ErrorType, payload.ErrorMessage) {
		if payload.Reason != "" {
			job.SetMetadata("failure_reason", payload.Reason)
		}
		if err := s.store.SaveJob(ctx, job); err != nil {
			return nackRequeue
		}
	}
	if fresh {
		s.appendEvent(ctx, job.ID, env)
	}
	if job.Status == models.JobStatusFailed {
		s.applyRetention(ctx, job.ID, s.failedTTL)
	}

	s.logger.Warn().
		Str("job_id", job.ID).
		Str("error_type", payload.ErrorType).
		Str("error_message", payload.ErrorMessage).
		Msg("Job failed")
	return ack
}

// onAudit acknowledges audit-trail events without state change or log
// append.
func (s *Service) onAudit(ctx context.Context, env *models.Envelope) disposition {
	s.logger.Debug().
		Str("event_type", string(env.EventType)).
		Str("job_id", env.JobID).
		Msg("Audit event observed")
	return ack
}

// failJob is the internal-error path: the job record reflects the failure
// even though no job.failed event was published.
func (s *Service) failJob(ctx context.Context, job *models.Job, errorType, message string) {
	if job.Fail(errorType, message) {
		if err := s.store.SaveJob(ctx, job); err != nil {
			s.logger.Error().Str("job_id", job.ID).Err(err).Msg("Failed to persist job failure")
		}
		s.applyRetention(ctx, job.ID, s.failedTTL)
	}
}

func (s *Service) applyRetention(ctx context.Context, jobID string, ttl time.Duration) {
	if err := s.store.ApplyRetention(ctx, jobID, ttl); err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to apply retention TTL")
	}
}

func formatSeconds(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 3, 64)
}

func splitSources(csv string) []string {
	var out []string
	for _, s := range strings.Split(csv, ",") {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
