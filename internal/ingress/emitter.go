// Package ingress contains the three request adapters (filesystem watcher,
// webhook, push client) and the canonical emission path they share: dedup
// check, pending job record, subtitle.requested event.
package ingress

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// Request is one ingress-normalized subtitle request.
type Request struct {
	VideoURL      string
	VideoTitle    string
	Language      string
	AutoTranslate bool
	Source        string            // Emitting adapter, stamped into the envelope
	Metadata      map[string]string // Extra provenance merged into the job record
}

// Emitter is the canonical path from any adapter into the pipeline. All
// three adapters go through here so dedup and job creation behave
// identically regardless of origin.
type Emitter struct {
	store  interfaces.JobStore
	dedup  interfaces.DedupService
	bus    interfaces.EventBus
	logger arbor.ILogger
}

// NewEmitter wires the shared emission path.
func NewEmitter(store interfaces.JobStore, dedup interfaces.DedupService, bus interfaces.EventBus, logger arbor.ILogger) *Emitter {
	return &Emitter{
		store:  store,
		dedup:  dedup,
		bus:    bus,
		logger: logger,
	}
}

// Emit runs dedup, creates the pending job, and publishes
// subtitle.requested. A duplicate returns the owning job's ID with
// duplicate=true and emits nothing.
func (e *Emitter) Emit(ctx context.Context, req *Request) (jobID string, duplicate bool, err error) {
	if req.VideoURL == "" || req.Language == "" {
		return "", false, fmt.Errorf("ingress request requires video URL and language")
	}

	jobID = common.NewJobID()

	isDup, existingID, err := e.dedup.CheckAndRegister(ctx, req.VideoURL, req.Language, jobID)
	if err != nil {
		// Fail open: a dedup outage must not block ingestion.
		e.logger.Warn().
			Str("source", req.Source).
			Str("error_kind", string(models.KindOf(err))).
			Err(err).
			Msg("Dedup unavailable, admitting request")
	} else if isDup {
		e.logger.Info().
			Str("source", req.Source).
			Str("job_id", existingID).
			Str("video_url", req.VideoURL).
			Str("language", req.Language).
			Msg("Duplicate request suppressed")
		return existingID, true, nil
	}

	job := models.NewJob(jobID, req.VideoURL, req.VideoTitle, req.Language)
	job.SetMetadata("origin", req.Source)
	if !req.AutoTranslate {
		job.SetMetadata("auto_translate", "false")
	}
	for k, v := range req.Metadata {
		job.SetMetadata(k, v)
	}

	if err := e.store.SaveJob(ctx, job); err != nil {
		return "", false, fmt.Errorf("failed to persist pending job: %w", err)
	}

	env, err := models.NewEnvelope(common.NewEventID(), models.EventSubtitleRequested, jobID, req.Source, &models.RequestedPayload{
		VideoURL:   req.VideoURL,
		VideoTitle: req.VideoTitle,
		Language:   req.Language,
		Metadata:   job.Metadata,
	})
	if err != nil {
		return "", false, err
	}
	if err := e.bus.Publish(ctx, env); err != nil {
		return "", false, fmt.Errorf("failed to publish subtitle request: %w", err)
	}

	e.logger.Info().
		Str("source", req.Source).
		Str("job_id", jobID).
		Str("video_title", req.VideoTitle).
		Str("language", req.Language).
		Msg("Subtitle request admitted")
	return jobID, false, nil
}

// Healthy reports whether both the bus and the store can take a request.
func (e *Emitter) Healthy(ctx context.Context) bool {
	if !e.bus.IsHealthy(ctx) {
		return false
	}
	return e.store.Ping(ctx) == nil
}
