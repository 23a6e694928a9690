package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// JobHandler serves the read-only job surface plus the single sanctioned
// write: the operator retry of a failed job.
type JobHandler struct {
	store  interfaces.JobStore
	dedup  interfaces.DedupService
	bus    interfaces.EventBus
	logger arbor.ILogger
}

// NewJobHandler creates the job API handler.
func NewJobHandler(jobStore interfaces.JobStore, dedup interfaces.DedupService, bus interfaces.EventBus, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		store:  jobStore,
		dedup:  dedup,
		bus:    bus,
		logger: logger,
	}
}

// ListJobsHandler returns jobs, optionally filtered by status.
// GET /api/jobs?status=failed&limit=100
func (h *JobHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := models.JobStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		WriteError(w, http.StatusUnprocessableEntity, "unknown status filter: "+string(status))
		return
	}

	limit := QueryInt(r, "limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	jobs, err := h.store.ListJobs(r.Context(), status, limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to list jobs")
		WriteError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	sanitized := make([]*models.Job, len(jobs))
	for i, job := range jobs {
		sanitized[i] = job.Sanitized()
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(sanitized),
		"jobs":  sanitized,
	})
}

// JobHandler routes /api/jobs/{id}, /api/jobs/{id}/events and
// /api/jobs/{id}/retry by subpath.
func (h *JobHandler) JobHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs"), "/")
	parts := strings.Split(rest, "/")
	if rest == "" || len(parts) > 2 {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}

	jobID := parts[0]
	if len(parts) == 1 {
		h.getJob(w, r, jobID)
		return
	}

	switch parts[1] {
	case "events":
		h.getEvents(w, r, jobID)
	case "retry":
		h.retryJob(w, r, jobID)
	default:
		WriteError(w, http.StatusNotFound, "not found")
	}
}

// getJob returns the sanitized job record.
// GET /api/jobs/{id}
func (h *JobHandler) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	WriteJSON(w, http.StatusOK, job.Sanitized())
}

// getEvents returns the job's event log in insertion order.
// GET /api/jobs/{id}/events
func (h *JobHandler) getEvents(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	if _, err := h.store.GetJob(r.Context(), jobID); errors.Is(err, store.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	events, err := h.store.GetEvents(r.Context(), jobID)
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load event log")
		WriteError(w, http.StatusInternalServerError, "failed to load event log")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id": jobID,
		"count":  len(events),
		"events": events,
	})
}

// retryJob resets a failed job to pending and republishes its request. This
// is the only backward status transition in the system, so it clears the
// dedup registration first to let the request through again.
// POST /api/jobs/{id}/retry
func (h *JobHandler) retryJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	ctx := r.Context()

	job, err := h.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		WriteError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to load job")
		WriteError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	if job.Status != models.JobStatusFailed {
		WriteError(w, http.StatusConflict, "only failed jobs can be retried")
		return
	}

	if err := h.dedup.Clear(ctx, job.VideoURL, job.Language); err != nil {
		h.logger.Warn().
			Str("job_id", jobID).
			Err(err).
			Msg("Failed to clear dedup registration, retrying anyway")
	}

	job.Status = models.JobStatusPending
	job.ErrorType = ""
	job.ErrorMessage = ""
	job.SetMetadata("origin", "operator_reset")
	job.Touch()
	if err := h.store.SaveJob(ctx, job); err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to reset job")
		WriteError(w, http.StatusInternalServerError, "failed to reset job")
		return
	}

	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleRequested, job.ID, "operator", &models.RequestedPayload{
		VideoURL:   job.VideoURL,
		VideoTitle: job.VideoTitle,
		Language:   job.Language,
		Metadata:   job.Metadata,
	})
	if err == nil {
		err = h.bus.Publish(ctx, env)
	}
	if err != nil {
		h.logger.Error().Str("job_id", jobID).Err(err).Msg("Failed to republish subtitle request")
		WriteError(w, http.StatusServiceUnavailable, "job reset but request could not be republished")
		return
	}

	h.logger.Info().
		Str("job_id", jobID).
		Str("video_url", job.VideoURL).
		Msg("Failed job reset by operator")
	WriteJSON(w, http.StatusOK, map[string]string{
		"status": "retrying",
		"job_id": jobID,
	})
}
